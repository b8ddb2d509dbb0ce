package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubAdapter struct{ id string }

func (a *stubAdapter) ID() string                           { return a.id }
func (a *stubAdapter) Serve(context.Context, Gateway) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("console"))

	console := &stubAdapter{id: "console"}
	telegram := &stubAdapter{id: "telegram"}
	r.Register(console)
	r.Register(telegram)

	assert.Same(t, console, r.Get("console"))
	assert.Same(t, telegram, r.Get("telegram"))
	assert.ElementsMatch(t, []string{"console", "telegram"}, r.IDs())

	replacement := &stubAdapter{id: "console"}
	r.Register(replacement)
	assert.Same(t, replacement, r.Get("console"))
}
