package echo_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/tianyk/beansdb-research/internal/dispatch"
	"github.com/tianyk/beansdb-research/internal/echo"
	"github.com/tianyk/beansdb-research/internal/poller"
)

func startServer(t *testing.T, threads int) (*echo.Server, *dispatch.Engine, string) {
	t.Helper()

	logger := zaptest.NewLogger(t)

	p, err := poller.New(poller.Auto)
	require.NoError(t, err)

	srv := echo.New(logger)
	e := dispatch.New(p, srv, dispatch.Options{Threads: threads, PollTimeout: 20 * time.Millisecond, Logger: logger})

	addr, err := srv.Listen(e, "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not stop")
		}
	})

	return srv, e, addr
}

func Test_Server_Echoes_Bytes_When_Client_Writes(t *testing.T) {
	t.Parallel()

	srv, _, addr := startServer(t, 2)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	_, err = conn.Write([]byte("hello beansdb"))
	require.NoError(t, err)

	got := make([]byte, len("hello beansdb"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, "hello beansdb", string(got))

	require.EqualValues(t, 1, srv.Accepted())
}

func Test_Server_Echoes_Large_Payload_When_Socket_Buffer_Fills(t *testing.T) {
	t.Parallel()

	_, _, addr := startServer(t, 4)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256<<10/16)

	var (
		wg       sync.WaitGroup
		writeErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, writeErr = conn.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, writeErr)
	require.True(t, bytes.Equal(payload, got), "echoed payload differs")
}

func Test_Server_Serves_Clients_Independently_When_Many_Connect(t *testing.T) {
	t.Parallel()

	srv, e, addr := startServer(t, 4)

	const clients = 10

	var wg sync.WaitGroup

	errs := make(chan error, clients)

	for i := range clients {
		wg.Add(1)

		go func() {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				errs <- err

				return
			}
			defer conn.Close()

			_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

			for round := range 5 {
				msg := fmt.Sprintf("client %d round %d\n", i, round)

				if _, err := conn.Write([]byte(msg)); err != nil {
					errs <- err

					return
				}

				got := make([]byte, len(msg))
				if _, err := io.ReadFull(conn, got); err != nil {
					errs <- err

					return
				}

				if string(got) != msg {
					errs <- fmt.Errorf("client %d got %q, want %q", i, got, msg)

					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, clients, srv.Accepted())
	require.Zero(t, e.Stats().Stray)
}

func Test_Listen_Returns_Error_When_Address_Is_Invalid(t *testing.T) {
	t.Parallel()

	p, err := poller.New(poller.Auto)
	require.NoError(t, err)

	srv := echo.New(nil)
	e := dispatch.New(p, srv, dispatch.Options{})
	t.Cleanup(func() { _ = p.Close() })

	_, err = srv.Listen(e, "no-port")
	require.Error(t, err)

	_, err = srv.Listen(e, "127.0.0.1:99999")
	require.Error(t, err)
}

func Test_Server_Backs_Off_And_Samples_Log_When_Accept_Keeps_Failing(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	srv := echo.New(zap.New(core))

	backoff := 15 * time.Millisecond
	calls := 0
	srv.SetAccept(func(int) (int, unix.Sockaddr, error) {
		calls++

		return -1, nil, unix.EMFILE
	}, backoff)

	const rounds = 4

	began := time.Now()

	for range rounds {
		mask, keep := srv.AcceptOn(-1)
		require.True(t, keep, "listener stays registered")
		require.Equal(t, poller.Readable, mask)
	}

	require.GreaterOrEqual(t, time.Since(began), rounds*backoff)
	require.Equal(t, rounds, calls, "one accept per wakeup")
	require.EqualValues(t, rounds, srv.AcceptErrors())
	require.Equal(t, 1, logs.FilterMessage("accept failed, backing off").Len())
	require.Zero(t, srv.Accepted())
}
