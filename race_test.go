package streamrpc

import (
	"context"
	"encoding/gob"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// The tests below are meant for `go test -race`. They hammer the shared
// state of streams and connections from several goroutines at once.

// TestRace_StreamReadWriteAbort runs a reader, a writer and an aborter on
// the same stream.
func TestRace_StreamReadWriteAbort(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := NewStream[int, int](WithBuffer(4))
		var wg sync.WaitGroup
		wg.Add(4)
		go func() {
			defer wg.Done()
			for j := 0; ; j++ {
				if s.Deliver(context.Background(), j) != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for {
				if _, _, err := s.Read(time.Millisecond); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; ; j++ {
				if s.Write(j) != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			s.Abort(errors.New("stop"))
			_ = s.Err()
		}()
		wg.Wait()
	}
}

// TestRace_StreamConcurrentAbort checks that exactly one of many aborts
// wins.
func TestRace_StreamConcurrentAbort(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := NewStream[int, int]()
		errs := make([]error, 8)
		for j := range errs {
			errs[j] = errors.New("abort")
		}
		var wg sync.WaitGroup
		for _, err := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Abort(err)
			}()
		}
		wg.Wait()
		got := s.Err()
		found := false
		for _, err := range errs {
			if got == err {
				found = true
			}
		}
		if !found {
			t.Fatalf("terminal error %v is not one of the aborts", got)
		}
	}
}

// TestRace_StreamCloseWhileReading closes the inbound side while readers
// wait.
func TestRace_StreamCloseWhileReading(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := NewStream[int, int]()
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, outcome, err := s.Read(0)
					if err != nil || outcome == OutcomeEndOfStream {
						return
					}
				}
			}()
		}
		_ = s.Deliver(context.Background(), 1)
		s.CloseRead()
		wg.Wait()
	}
}

// TestRace_ConnCallsAndAborts mixes finished and aborted calls on one
// connection.
func TestRace_ConnCallsAndAborts(t *testing.T) {
	c, _ := newConnPair(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := OpenBidiStreaming(context.Background(), c, method("echo"))
			if err != nil {
				return
			}
			_ = s.Write("x")
			if i%2 == 0 {
				s.Abort(nil)
				return
			}
			s.DoneWriting()
			for {
				_, outcome, err := s.Read(time.Second)
				if err != nil || outcome != OutcomeMessage {
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestRace_ConnCloseDuringCalls closes the client connection while calls
// are opening and in flight.
func TestRace_ConnCloseDuringCalls(t *testing.T) {
	for i := 0; i < 20; i++ {
		func() {
			d, _ := newTestDispatcher(t)
			srvConn, cliConn := net.Pipe()
			served := make(chan struct{})
			go func() {
				defer close(served)
				_ = ServeConn(context.Background(), srvConn, d)
			}()
			cc := NewClientConn(cliConn)
			c := NewClient(cc)

			var wg sync.WaitGroup
			for j := 0; j < 10; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = CallUnary(context.Background(), c, method("upper"), "x")
				}()
			}
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			_ = cc.Close()
			wg.Wait()
			<-served
		}()
	}
}

// TestRace_ServerConnLossDuringOpen drops the connection while the server
// is registering streams.
func TestRace_ServerConnLossDuringOpen(t *testing.T) {
	for i := 0; i < 50; i++ {
		func() {
			d, _ := newTestDispatcher(t)
			srvConn, cliConn := net.Pipe()
			served := make(chan struct{})
			go func() {
				defer close(served)
				_ = ServeConn(context.Background(), srvConn, d)
			}()
			enc := gob.NewEncoder(cliConn)
			go func() {
				for id := uint64(1); id <= 20; id++ {
					if enc.Encode(&frame{Type: openType, StreamID: id, Service: "test.Svc", Method: "echo"}) != nil {
						return
					}
				}
			}()
			// Discard whatever the server writes back.
			go func() {
				dec := gob.NewDecoder(cliConn)
				var f frame
				for dec.Decode(&f) == nil {
				}
			}()
			time.Sleep(time.Millisecond)
			_ = cliConn.Close()
			<-served
		}()
	}
}
