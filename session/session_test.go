package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
)

func TestCloneDoesNotAliasMetadata(t *testing.T) {
	s := Snapshot{SessionID: "s", Metadata: map[string]string{"a": "1"}}
	c := s.Clone()
	c.Metadata["a"] = "2"
	if s.Metadata["a"] != "1" {
		t.Fatal("clone must deep copy metadata")
	}
}

func TestValidAtUsesJWTExpiryWhenUnset(t *testing.T) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	s := Snapshot{SessionID: "s", UserID: "u", Token: signed, IsActive: true}
	if !s.ValidAt(now) {
		t.Fatal("expected snapshot to be valid before jwt exp")
	}
	if s.ValidAt(now.Add(2 * time.Hour)) {
		t.Fatal("expected snapshot to be invalid after jwt exp")
	}
}

func TestTokenExpiryOpaqueToken(t *testing.T) {
	if _, ok := TokenExpiry("opaque-token"); ok {
		t.Fatal("opaque tokens have no readable expiry")
	}
}

func TestSaveLoad(t *testing.T) {
	store := memorykv.MustNew(memorykv.Config{})
	defer store.Close()
	ctx := context.Background()

	in := Snapshot{SessionID: "s1", UserID: "u1", Token: "t", IsActive: true, LastActivity: time.Unix(100, 0).UTC()}
	if err := Save(ctx, store, SnapshotKey, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, ok, err := Load(ctx, store, SnapshotKey)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !out.Equal(in) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if _, ok, _ := Load(ctx, store, "missing"); ok {
		t.Fatal("missing key must report ok=false")
	}
}
