package config

import (
	"testing"
)

func TestParseNodeRequiresRoom(t *testing.T) {
	_, err := ParseNode([]string{"-prekey", "aa"})
	if err == nil {
		t.Fatal("ParseNode() without -room succeeded, want error")
	}
}

func TestParseNodeRequiresPreKey(t *testing.T) {
	_, err := ParseNode([]string{"-room", "lobby"})
	if err == nil {
		t.Fatal("ParseNode() without -prekey succeeded, want error")
	}
}

func TestParseNodeSplitsBootstrapList(t *testing.T) {
	cfg, err := ParseNode([]string{
		"-room", "lobby",
		"-prekey", "aabbcc",
		"-bootstrap", "/ip4/1.2.3.4/tcp/4001/p2p/abc, /ip4/5.6.7.8/tcp/4001/p2p/def",
	})
	if err != nil {
		t.Fatalf("ParseNode() error = %v", err)
	}
	if len(cfg.BootstrapPeers) != 2 {
		t.Fatalf("len(BootstrapPeers) = %d, want 2", len(cfg.BootstrapPeers))
	}
	if cfg.BootstrapPeers[0] != "/ip4/1.2.3.4/tcp/4001/p2p/abc" {
		t.Fatalf("BootstrapPeers[0] = %q, want trimmed address", cfg.BootstrapPeers[0])
	}
}

func TestParseNodeAppliesDefaults(t *testing.T) {
	cfg, err := ParseNode([]string{"-room", "lobby", "-prekey", "aabbcc"})
	if err != nil {
		t.Fatalf("ParseNode() error = %v", err)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.APIPort != defaultAPIPort {
		t.Fatalf("APIPort = %d, want %d", cfg.APIPort, defaultAPIPort)
	}
	if cfg.SessionDBPath != defaultSessionDB {
		t.Fatalf("SessionDBPath = %q, want %q", cfg.SessionDBPath, defaultSessionDB)
	}
}
