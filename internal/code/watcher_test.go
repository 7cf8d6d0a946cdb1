package code

import (
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
)

func TestRelevantEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"go write", fsnotify.Event{Name: "/p/main.go", Op: fsnotify.Write}, true},
		{"go create", fsnotify.Event{Name: "/p/new.go", Op: fsnotify.Create}, true},
		{"chmod ignored", fsnotify.Event{Name: "/p/main.go", Op: fsnotify.Chmod}, false},
		{"test file ignored", fsnotify.Event{Name: "/p/main_test.go", Op: fsnotify.Write}, false},
		{"non-go ignored", fsnotify.Event{Name: "/p/notes.md", Op: fsnotify.Write}, false},
		{"backup fragment ignored", fsnotify.Event{Name: "/p/backup/main.go", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevantEvent(tt.ev))
		})
	}
}
