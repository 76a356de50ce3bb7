package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"

	"github.com/vartalabh/vartalap/store"
)

const onionKeyName = "onionkey"

// getOrCreatePK loads the onion service key from the store, generating
// and persisting one on first run so the .onion address stays stable.
func getOrCreatePK(s store.Store) (ed25519.PrivateKey, error) {
	d, err := s.Get(onionKeyName)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if len(d) == 0 {
		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		return pk, s.Set(onionKeyName, pemEncoded)
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM data for %q", onionKeyName)
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// serveOnion publishes the signaling server as a v3 onion service and
// serves HTTP on it. Blocks until the service stops.
func serveOnion(s store.Store, handler http.Handler, logger *log.Logger) error {
	pk, err := getOrCreatePK(s)
	if err != nil {
		return fmt.Errorf("error loading onion key: %w", err)
	}

	d, err := os.MkdirTemp("", "vartalap-tor")
	if err != nil {
		return err
	}

	t, err := tor.Start(nil, &tor.StartConf{TempDataDirBase: d})
	if err != nil {
		return fmt.Errorf("unable to start tor: %w", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{Key: pk, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %w", err)
	}
	defer onion.Close()

	logger.Printf("onion service listening at http://%v.onion", onionAddr(pk))
	return http.Serve(onion, handler)
}
