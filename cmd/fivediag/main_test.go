package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "fivediag", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.AddCommand(tokenCMD(), probeCMD())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, `{"server":{"jwt_secret":"s3cret"}}`)
	out, err := run(t, "token", "-c", path, "--sub", "oncall", "--scope", "ops")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(out, claims, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims["sub"] != "oncall" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	path := writeConfig(t, `{}`)
	if _, err := run(t, "token", "-c", path, "--sub", "x"); err == nil {
		t.Fatalf("expected error without jwt secret")
	}
}

func TestProbeWithoutServices(t *testing.T) {
	path := writeConfig(t, `{}`)
	out, err := run(t, "probe", "-c", path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out, `"services"`) {
		t.Fatalf("unexpected output %q", out)
	}
}
