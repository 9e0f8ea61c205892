package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/AutoQASpace/emcee-queueserver/internal/domain"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/logger"
)

func TestHub_BroadcastsBucketLifecycleToConnectedClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BucketEnqueued(domain.JobId("j1"), domain.BucketId("b1"))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "bucketEnqueued", ev.Type)
	require.Equal(t, domain.JobId("j1"), ev.JobID)
	require.Equal(t, domain.BucketId("b1"), ev.BucketID)
}

func TestHub_ObserverMethodsEmitExpectedEventTypes(t *testing.T) {
	hub := NewHub(logger.Nop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BucketDequeued(domain.JobId("j1"), domain.BucketId("b1"), domain.WorkerId("w1"))
	hub.BucketAccepted(domain.JobId("j1"), domain.BucketId("b1"), 2)
	hub.JobDepleted(domain.JobId("j1"))
	hub.WorkerWentSilent(domain.WorkerId("w1"), time.Now())
	hub.WorkerBlocked(domain.WorkerId("w1"))
	hub.BucketsReclaimed(domain.JobId("j1"), []domain.Bucket{{}, {}})

	want := []string{"bucketDequeued", "bucketAccepted", "jobDepleted", "workerSilent", "workerBlocked", "bucketsReclaimed"}
	for _, wantType := range want {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, wantType, ev.Type)
	}
}

func TestHub_ClientCountDropsAfterDisconnect(t *testing.T) {
	hub := NewHub(logger.Nop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
