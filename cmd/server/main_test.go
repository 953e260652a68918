package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CONFIG_FILE", "MONGO_URI", "REDIS_ADDR", "LOG_LEVEL", "JUDGE_URL"} {
		t.Setenv(key, "")
	}
}

func stubListen(t *testing.T, fn func(*http.Server) error) {
	t.Helper()
	orig := listenAndServe
	t.Cleanup(func() { listenAndServe = orig })
	listenAndServe = fn
}

func TestRunReturnsListenError(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "9090")
	stubListen(t, func(srv *http.Server) error {
		if srv.Handler == nil {
			t.Fatalf("expected handler")
		}
		if srv.Addr != ":9090" {
			t.Fatalf("expected addr :9090, got %s", srv.Addr)
		}
		return errors.New("boom")
	})

	if err := run(context.Background()); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestRunTreatsServerClosedAsClean(t *testing.T) {
	isolateEnv(t)
	stubListen(t, func(*http.Server) error { return http.ErrServerClosed })

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	isolateEnv(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubListen(t, func(*http.Server) error {
		<-release
		return http.ErrServerClosed
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "not-a-port")
	stubListen(t, func(*http.Server) error {
		t.Fatal("server should not start")
		return nil
	})

	if err := run(context.Background()); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunFallsBackOnBadLogLevel(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LOG_LEVEL", "shouting")
	stubListen(t, func(*http.Server) error { return nil })

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected default logger fallback, got %v", err)
	}
}

func TestRunWithRedisFanout(t *testing.T) {
	isolateEnv(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	t.Setenv("REDIS_ADDR", mr.Addr())
	stubListen(t, func(*http.Server) error { return nil })

	if err := run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunFailsWhenRedisUnreachable(t *testing.T) {
	isolateEnv(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	t.Setenv("REDIS_ADDR", addr)
	stubListen(t, func(*http.Server) error {
		t.Fatal("server should not start")
		return nil
	})

	if err := run(context.Background()); err == nil || !strings.Contains(err.Error(), "connect redis") {
		t.Fatalf("expected redis error, got %v", err)
	}
}

func TestMainCompletes(t *testing.T) {
	isolateEnv(t)
	origExit := exitFunc
	t.Cleanup(func() { exitFunc = origExit })
	stubListen(t, func(*http.Server) error { return nil })
	exitFunc = func(error) { t.Fatal("exitFunc should not be called") }

	main()
}

func TestMainHandlesError(t *testing.T) {
	isolateEnv(t)
	origExit := exitFunc
	t.Cleanup(func() { exitFunc = origExit })
	stubListen(t, func(*http.Server) error { return errors.New("main boom") })
	var got error
	exitFunc = func(err error) { got = err }

	main()

	if got == nil || got.Error() != "main boom" {
		t.Fatalf("expected exitFunc to capture error, got %v", got)
	}
}

func TestDefaultExit(t *testing.T) {
	origExit := exit
	origWriter := log.Writer()
	t.Cleanup(func() {
		exit = origExit
		log.SetOutput(origWriter)
	})

	var gotCode int
	exit = func(code int) { gotCode = code }
	var buf bytes.Buffer
	log.SetOutput(&buf)

	defaultExit(errors.New("boom"))
	if gotCode != 1 {
		t.Fatalf("expected exit code 1, got %d", gotCode)
	}
	if !bytes.Contains(buf.Bytes(), []byte("boom")) {
		t.Fatalf("expected log to contain boom, got %q", buf.String())
	}
}
