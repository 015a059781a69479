package main

import (
	"crypto/tls"

	"github.com/goburrow/quic"
)

// newConfig builds the default configuration clientCommand customizes
// with its own flags (server name, insecure skip-verify).
func newConfig() *quic.Config {
	config := &quic.Config{}
	config.TLS = &tls.Config{
		NextProtos: []string{"quince"},
	}
	config.SetDefaults()
	return config
}
