package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/coderoom-service/internal/events"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string                    { return c.id }
func (c *fakeConn) Send(events.ServerEvent) error { return nil }
func (c *fakeConn) Close(string) error            { return nil }

func TestRegistry_BindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}

	_, moved := r.Bind(c, "room", 1)
	assert.False(t, moved)
	_, moved = r.Bind(c, "room", 1)
	assert.False(t, moved)

	assert.Len(t, r.MembersOf("room"), 1)
	assert.Equal(t, 1, r.UserConnCount("room", 1))
}

func TestRegistry_RebindMovesConnection(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}
	r.Bind(c, "a", 1)

	prev, moved := r.Bind(c, "b", 1)
	require.True(t, moved)
	assert.Equal(t, "a", prev.RoomID)
	assert.Empty(t, r.MembersOf("a"))
	assert.Len(t, r.MembersOf("b"), 1)

	b, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, Binding{RoomID: "b", UserID: 1}, b)
}

func TestRegistry_UnbindAndCounts(t *testing.T) {
	r := NewRegistry()
	r.Bind(&fakeConn{id: "tab1"}, "room", 1)
	r.Bind(&fakeConn{id: "tab2"}, "room", 1)
	r.Bind(&fakeConn{id: "bob"}, "room", 2)

	assert.Equal(t, 2, r.UserConnCount("room", 1))

	b, ok := r.Unbind("tab1")
	require.True(t, ok)
	assert.Equal(t, "room", b.RoomID)
	assert.Equal(t, 1, r.UserConnCount("room", 1), "second tab keeps the user present")

	_, ok = r.Unbind("tab1")
	assert.False(t, ok)

	gone := r.UnbindUser("room", 1)
	assert.Len(t, gone, 1)
	assert.Equal(t, 0, r.UserConnCount("room", 1))

	gone = r.UnbindRoom("room")
	assert.Len(t, gone, 1)
	assert.Equal(t, 0, r.Len())
	_, ok = r.Conn("bob")
	assert.False(t, ok)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c%d", i)}
			r.Bind(c, "room", 1)
			_ = r.MembersOf("room")
			r.Unbind(c.ID())
			r.Unbind(c.ID())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
