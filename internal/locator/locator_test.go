package locator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeLocator(out string, err error) (*Locator, *[][]string) {
	l := New("es")
	var calls [][]string
	l.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return []byte(out), err
	}
	return l, &calls
}

func TestFindParsesLines(t *testing.T) {
	l, _ := fakeLocator("/a/b.md\n/c/d.md\n", nil)
	paths := l.Find(context.Background(), "README connaissances", 10)
	assert.Equal(t, []string{"/a/b.md", "/c/d.md"}, paths)
}

func TestFindFlagsBeforeTokens(t *testing.T) {
	l, calls := fakeLocator("", nil)
	l.Find(context.Background(), []string{`path:"memoire"`, "interaction"}, 5)
	c := (*calls)[0]
	assert.Equal(t, []string{"es", "-n", "5", `path:"memoire"`, "interaction"}, c)
}

func TestFindSwallowsExitError(t *testing.T) {
	l, _ := fakeLocator("", errors.New("exit status 1"))
	assert.Nil(t, l.Find(context.Background(), "nothing", 5))
}

func TestFindEmptyStdout(t *testing.T) {
	l, _ := fakeLocator("   \n", nil)
	assert.Nil(t, l.Find(context.Background(), "query", 5))
}

func TestNormaliseRepairsTrailingQuote(t *testing.T) {
	got := normaliseQuery([]string{`interaction\"`, "", "  x  "})
	assert.Equal(t, []string{"interaction", "x"}, got)
}

func TestNormaliseAcceptsInterfaceSlice(t *testing.T) {
	got := normaliseQuery([]interface{}{"a", 3, "b"})
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestFindEmptyQuery(t *testing.T) {
	l, calls := fakeLocator("x", nil)
	assert.Nil(t, l.Find(context.Background(), "", 5))
	assert.Empty(t, *calls, "no subprocess for an empty query")
}
