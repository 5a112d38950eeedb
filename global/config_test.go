package global

import (
	"context"
	"testing"

	"ChannelGateway/global/config"
	sec "ChannelGateway/tools/security"
)

func memoryConfig() config.AppConfig {
	cfg := config.Default()
	cfg.NodeID = "gw-test"
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Relay.Driver = config.RelayMemory
	cfg.Presence.Enabled = false
	return cfg
}

func TestMintToken(t *testing.T) {
	cfg := memoryConfig()
	token, _, err := MintToken(cfg, "alice@acme")
	if err != nil {
		t.Fatal(err)
	}
	id, err := sec.Verify(ConfigAuth(cfg).JWT, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "alice" || id.WorkspaceSlug != "acme" {
		t.Fatalf("identity = %+v", id)
	}

	if _, _, err := MintToken(cfg, "alice"); err == nil {
		t.Fatal("subject without workspace accepted")
	}
	cfg.Auth.JWTSecret = ""
	if _, _, err := MintToken(cfg, "alice@acme"); err == nil {
		t.Fatal("minted without a secret")
	}
}

func TestMemoryWiring(t *testing.T) {
	cfg := memoryConfig()
	rdb, err := ConfigRedis(context.Background(), cfg)
	if err != nil || rdb != nil {
		t.Fatalf("redis should be skipped: %v %v", rdb, err)
	}
	if ps := ConfigPresence(cfg, rdb); ps != nil {
		t.Fatal("presence without redis")
	}
	rl, err := ConfigRelay(cfg, rdb, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()
	if rl.Name() != "memory" {
		t.Fatalf("relay = %s", rl.Name())
	}

	gw := ConfigServer(cfg, rl, nil, nil)
	if gw.NodeID() != "gw-test" {
		t.Fatalf("node id = %s", gw.NodeID())
	}
}
