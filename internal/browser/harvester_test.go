package browser

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snowmanjy/ai2qa/api/schemas"
)

func newTestHarvester(t *testing.T) *Harvester {
	t.Helper()
	return NewHarvester(context.Background(), zaptest.NewLogger(t))
}

func request(id, url string) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request:   &network.Request{URL: url, Method: "GET"},
		Type:      network.ResourceType("XHR"),
	}
}

func TestHarvesterNetwork(t *testing.T) {
	t.Run("error responses are recorded", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/api/cart"))
		h.dispatch(&network.EventResponseReceived{
			RequestID: "1",
			Type:      network.ResourceType("XHR"),
			Response:  &network.Response{URL: "https://shop.test/api/cart", Status: 500, StatusText: "Internal Server Error"},
		})
		h.dispatch(&network.EventLoadingFinished{RequestID: "1"})

		netSignals, console := h.Collect()
		assert.Empty(t, console)
		assert.Equal(t, []schemas.NetworkSignal{{
			URL:          "https://shop.test/api/cart",
			Method:       "GET",
			Status:       500,
			ResourceType: "XHR",
			Failure:      "Internal Server Error",
		}}, netSignals)
		assert.Zero(t, h.Inflight())
	})

	t.Run("successful responses are ignored", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/"))
		h.dispatch(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{Status: 200}})
		h.dispatch(&network.EventLoadingFinished{RequestID: "1"})
		netSignals, _ := h.Collect()
		assert.Empty(t, netSignals)
	})

	t.Run("redirect legs report their status", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/old"))
		redirect := request("1", "https://shop.test/new")
		redirect.RedirectResponse = &network.Response{Status: 404, StatusText: "Not Found"}
		h.dispatch(redirect)

		netSignals, _ := h.Collect()
		require.Len(t, netSignals, 1)
		assert.Equal(t, "https://shop.test/old", netSignals[0].URL)
		assert.Equal(t, 404, netSignals[0].Status)
		assert.Equal(t, 1, h.Inflight())
	})

	t.Run("loading failures", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://cdn.test/app.js"))
		h.dispatch(&network.EventLoadingFailed{RequestID: "1", ErrorText: "net::ERR_CONNECTION_REFUSED"})
		h.dispatch(request("2", "http://cdn.test/tracker.js"))
		h.dispatch(&network.EventLoadingFailed{RequestID: "2", ErrorText: "net::ERR_BLOCKED_BY_CLIENT", BlockedReason: network.BlockedReason("mixed-content")})
		h.dispatch(request("3", "https://shop.test/prefetch"))
		h.dispatch(&network.EventLoadingFailed{RequestID: "3", ErrorText: "net::ERR_ABORTED", Canceled: true})

		netSignals, _ := h.Collect()
		require.Len(t, netSignals, 2)
		assert.Equal(t, "https://cdn.test/app.js", netSignals[0].URL)
		assert.Equal(t, "net::ERR_CONNECTION_REFUSED", netSignals[0].Failure)
		assert.Equal(t, "net::ERR_BLOCKED_BY_CLIENT (blocked: mixed-content)", netSignals[1].Failure)
		assert.Zero(t, h.Inflight())
	})

	t.Run("buffer is bounded", func(t *testing.T) {
		h := newTestHarvester(t)
		for i := 0; i < maxSignals+50; i++ {
			h.dispatch(&network.EventLoadingFailed{RequestID: network.RequestID(strconv.Itoa(i)), ErrorText: "failed"})
		}
		netSignals, _ := h.Collect()
		assert.Len(t, netSignals, maxSignals)

		netSignals, _ = h.Collect()
		assert.Empty(t, netSignals, "Collect resets the buffers")
	})
}

func TestHarvesterConsole(t *testing.T) {
	h := newTestHarvester(t)
	h.dispatch(&runtime.EventConsoleAPICalled{
		Type: runtime.APIType("error"),
		Args: []*runtime.RemoteObject{
			{Type: runtime.Type("string"), Value: []byte(`"checkout failed:"`)},
			{Type: runtime.Type("number"), Value: []byte(`42`)},
		},
	})
	h.dispatch(&runtime.EventConsoleAPICalled{
		Type: runtime.APIType("log"),
		Args: []*runtime.RemoteObject{{Type: runtime.Type("string"), Value: []byte(`"noise"`)}},
	})
	h.dispatch(&log.EventEntryAdded{Entry: &log.Entry{Level: log.Level("warning"), Text: "deprecated API", Source: log.Source("javascript")}})
	h.dispatch(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Type: runtime.Type("object"), Description: "TypeError: cart is undefined"},
	}})

	_, console := h.Collect()
	assert.Equal(t, []schemas.ConsoleSignal{
		{Level: "error", Text: "checkout failed: 42", Source: "console-api"},
		{Level: "warning", Text: "deprecated API", Source: "javascript"},
		{Level: "error", Text: "TypeError: cart is undefined", Source: "exception"},
	}, console)
}

func TestRemoteObjectText(t *testing.T) {
	assert.Equal(t, "", remoteObjectText(nil))
	assert.Equal(t, "HTMLDivElement", remoteObjectText(&runtime.RemoteObject{Type: runtime.Type("object"), Description: "HTMLDivElement"}))
	assert.Equal(t, "[undefined]", remoteObjectText(&runtime.RemoteObject{Type: runtime.Type("undefined")}))
}

func TestWaitNetworkIdle(t *testing.T) {
	t.Run("returns once requests finish", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/slow"))

		done := make(chan error, 1)
		go func() { done <- h.WaitNetworkIdle(context.Background(), 20*time.Millisecond) }()

		time.Sleep(30 * time.Millisecond)
		select {
		case <-done:
			t.Fatal("returned while a request was in flight")
		default:
		}
		h.dispatch(&network.EventLoadingFinished{RequestID: "1"})

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("did not observe network idle")
		}
	})

	t.Run("respects context", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/hang"))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.WaitNetworkIdle(ctx, 10*time.Millisecond), context.DeadlineExceeded)
	})

	t.Run("zero quiet period", func(t *testing.T) {
		h := newTestHarvester(t)
		h.dispatch(request("1", "https://shop.test/hang"))
		assert.NoError(t, h.WaitNetworkIdle(context.Background(), 0))
	})
}
