package peerlib

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// ErrNoBrowserAccess is returned by Serve when the host did not grant the
// peer browser access.
var ErrNoBrowserAccess = errors.New("browser access not granted")

// Serve exposes dir over HTTP on an ephemeral loopback port for the embedded
// browser. The returned port belongs in the ready handshake; the shutdown
// func stops the listener.
func (p *Peer) Serve(dir string) (int, func(context.Context) error, error) {
	if !p.cfg.BrowserAccess {
		return 0, nil, ErrNoBrowserAccess
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, nil, err
	}
	srv := &http.Server{Handler: http.FileServer(http.Dir(dir))}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("HTTP listener failed", "error", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	p.logger.Info("Serving static files", "dir", dir, "port", port)
	return port, srv.Shutdown, nil
}
