package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var got []string
	sub, err := r.Subscribe("scrape_progress", func(p []byte) { got = append(got, "a:"+string(p)) })
	require.NoError(t, err)
	_, err = r.Subscribe("scrape_progress", func(p []byte) { got = append(got, "b:"+string(p)) })
	require.NoError(t, err)

	require.Equal(t, 2, r.Dispatch("scrape_progress", []byte("x")))
	require.ElementsMatch(t, []string{"a:x", "b:x"}, got)
	require.Zero(t, r.Dispatch("osint_progress", []byte("x")))

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 1, r.Listeners("scrape_progress"))

	r.Reset()
	require.Zero(t, r.Listeners("scrape_progress"))
}

func TestRegistryKindHandlers(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var got []string
	sub, err := r.SubscribeKind(progress.KindError, func(event string, p []byte) {
		got = append(got, event+":"+string(p))
	})
	require.NoError(t, err)
	_, err = r.Subscribe("scrape_error", func([]byte) { got = append(got, "exact") })
	require.NoError(t, err)

	require.Equal(t, 2, r.Dispatch("scrape_error", []byte("x")))
	require.Equal(t, 1, r.Dispatch("osint_error", []byte("y")))
	require.Zero(t, r.Dispatch("osint_progress", []byte("z")))
	require.Zero(t, r.Dispatch("not-an-event", []byte("z")))
	require.ElementsMatch(t, []string{"exact", "scrape_error:x", "osint_error:y"}, got)

	sub.Unsubscribe()
	require.Zero(t, r.Dispatch("osint_error", nil))

	_, err = r.SubscribeKind(progress.KindError, func(string, []byte) {})
	require.NoError(t, err)
	r.Reset()
	require.Zero(t, r.Dispatch("osint_error", nil))
}

func TestRegistryHandlerMayUnsubscribe(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	calls := 0
	var sub interface{ Unsubscribe() }
	sub, err := r.Subscribe("e_started", func([]byte) {
		calls++
		sub.Unsubscribe()
	})
	require.NoError(t, err)

	r.Dispatch("e_started", nil)
	r.Dispatch("e_started", nil)
	require.Equal(t, 1, calls)
}

func TestHooksFireInOrder(t *testing.T) {
	t.Parallel()

	var h Hooks
	var order []int
	h.OnReconnect(func() { order = append(order, 1) })
	h.OnReconnect(func() { order = append(order, 2) })
	h.Fire()
	require.Equal(t, []int{1, 2}, order)
}
