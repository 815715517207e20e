package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Governs-AI/governsai-console-sub004/pkg/httpx"
	"github.com/Governs-AI/governsai-console-sub004/pkg/webauthn"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "keys":
		return runKeys(args[1:], out)
	case "confirm":
		return runConfirm(args[1:], out)
	case "decisions":
		return runDecisions(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "governsctl commands:")
	fmt.Fprintln(out, "  governsctl keys init [--dir .governs/keys] [--label operator-key]")
	fmt.Fprintln(out, "  governsctl confirm show <correlation_id> [--base http://localhost:8080]")
	fmt.Fprintln(out, "  governsctl confirm approve <correlation_id> [--dir .governs/keys] [--base http://localhost:8080]")
	fmt.Fprintln(out, "  governsctl confirm cancel <correlation_id> [--base http://localhost:8080]")
	fmt.Fprintln(out, "  governsctl decisions list [--since id] [--limit 50] [--base http://localhost:8080]")
}

func runKeys(args []string, out io.Writer) error {
	if len(args) < 1 || args[0] != "init" {
		return errors.New("usage: governsctl keys init [--dir ...] [--label ...]")
	}
	fs := flag.NewFlagSet("keys init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".governs/keys", "output directory")
	label := fs.String("label", "operator-key", "credential label")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	return writeKeypair(*dir, *label, out)
}

func writeKeypair(dir, label string, out io.Writer) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	credentialID := uuid.NewString()
	files := map[string]string{
		"private.key":       base64.StdEncoding.EncodeToString(priv),
		"public.key":        base64.StdEncoding.EncodeToString(pub),
		"credential_id.txt": credentialID,
		"counter.txt":       "0",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", path)
	}
	fmt.Fprintf(out, "register credential %q (%s) with public key %s\n",
		credentialID, strings.TrimSpace(label), files["public.key"])
	return nil
}

func runConfirm(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("confirm subcommand required")
	}
	switch args[0] {
	case "show":
		return confirmShow(args[1:], out)
	case "approve":
		return confirmApprove(args[1:], out)
	case "cancel":
		return confirmCancel(args[1:], out)
	default:
		return fmt.Errorf("unknown confirm subcommand: %s", args[0])
	}
}

func confirmShow(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: governsctl confirm show <correlation_id> [--base y]")
	}
	correlationID := strings.TrimSpace(args[0])
	fs := flag.NewFlagSet("confirm show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("GOVERNS_BASE_URL", "http://localhost:8080"), "gateway base url")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	body, err := requestJSON(http.MethodGet, strings.TrimRight(*base, "/")+"/v1/confirmations/"+correlationID, nil)
	if err != nil {
		return err
	}
	return printJSON(out, body)
}

// confirmApprove drives the whole approval handshake: it fetches the
// rotated challenge, signs it with the local authenticator key and posts
// the assertion back. The sign counter is persisted so the gateway's
// strictly-increasing check holds across invocations.
func confirmApprove(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: governsctl confirm approve <correlation_id> [--dir x] [--base y]")
	}
	correlationID := strings.TrimSpace(args[0])
	fs := flag.NewFlagSet("confirm approve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", env("GOVERNS_KEY_DIR", ".governs/keys"), "authenticator key directory")
	base := fs.String("base", env("GOVERNS_BASE_URL", "http://localhost:8080"), "gateway base url")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	priv, credentialID, counter, err := loadKeypair(*dir)
	if err != nil {
		return err
	}

	reqBody, _ := json.Marshal(map[string]string{"correlation_id": correlationID})
	challengeBody, err := requestJSON(http.MethodPost, strings.TrimRight(*base, "/")+"/v1/confirmations/auth-challenge", reqBody)
	if err != nil {
		return err
	}
	var challengeResp struct {
		Options struct {
			Challenge string `json:"challenge"`
			Origin    string `json:"origin"`
			RPID      string `json:"rp_id"`
		} `json:"options"`
	}
	if err := json.Unmarshal(challengeBody, &challengeResp); err != nil {
		return fmt.Errorf("decode challenge response: %w", err)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(challengeResp.Options.Challenge)
	if err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}

	counter++
	payload, err := webauthn.SignedPayload(challenge, challengeResp.Options.Origin, challengeResp.Options.RPID, counter)
	if err != nil {
		return err
	}
	assertion := webauthn.Assertion{
		CredentialID: credentialID,
		Alg:          "ed25519",
		Challenge:    challengeResp.Options.Challenge,
		Origin:       challengeResp.Options.Origin,
		RPID:         challengeResp.Options.RPID,
		Counter:      counter,
		Signature:    base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)),
	}
	verifyBody, _ := json.Marshal(map[string]any{
		"correlation_id": correlationID,
		"assertion":      assertion,
	})
	resp, err := requestJSON(http.MethodPost, strings.TrimRight(*base, "/")+"/v1/confirmations/verify", verifyBody)
	if err != nil {
		return err
	}
	if err := saveCounter(*dir, counter); err != nil {
		return err
	}
	return printJSON(out, resp)
}

func confirmCancel(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: governsctl confirm cancel <correlation_id> [--base y]")
	}
	correlationID := strings.TrimSpace(args[0])
	fs := flag.NewFlagSet("confirm cancel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("GOVERNS_BASE_URL", "http://localhost:8080"), "gateway base url")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"correlation_id": correlationID})
	resp, err := requestJSON(http.MethodPost, strings.TrimRight(*base, "/")+"/v1/confirmations/cancel", body)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runDecisions(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "list" {
		return errors.New("usage: governsctl decisions list [--since id] [--limit n] [--base y]")
	}
	fs := flag.NewFlagSet("decisions list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	base := fs.String("base", env("GOVERNS_BASE_URL", "http://localhost:8080"), "gateway base url")
	since := fs.String("since", "", "resume after this decision id")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	url := strings.TrimRight(*base, "/") + "/v1/decisions?limit=" + strconv.Itoa(*limit)
	if strings.TrimSpace(*since) != "" {
		url += "&since=" + strings.TrimSpace(*since)
	}
	body, err := requestJSON(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return printJSON(out, body)
}

func loadKeypair(dir string) (ed25519.PrivateKey, string, uint64, error) {
	privRaw, err := os.ReadFile(filepath.Join(dir, "private.key")) // #nosec G304 -- operator-chosen key directory
	if err != nil {
		return nil, "", 0, fmt.Errorf("read private key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(privRaw)))
	if err != nil {
		return nil, "", 0, fmt.Errorf("decode private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, "", 0, errors.New("private key has wrong size")
	}
	credRaw, err := os.ReadFile(filepath.Join(dir, "credential_id.txt")) // #nosec G304 -- operator-chosen key directory
	if err != nil {
		return nil, "", 0, fmt.Errorf("read credential id: %w", err)
	}
	counter := uint64(0)
	if counterRaw, err := os.ReadFile(filepath.Join(dir, "counter.txt")); err == nil { // #nosec G304 -- operator-chosen key directory
		counter, _ = strconv.ParseUint(strings.TrimSpace(string(counterRaw)), 10, 64)
	}
	return ed25519.PrivateKey(priv), strings.TrimSpace(string(credRaw)), counter, nil
}

func saveCounter(dir string, counter uint64) error {
	return os.WriteFile(filepath.Join(dir, "counter.txt"), []byte(strconv.FormatUint(counter, 10)+"\n"), 0o600)
}

func requestJSON(method, url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token := strings.TrimSpace(os.Getenv("GOVERNS_AUTH_TOKEN"))
	token = strings.TrimPrefix(strings.TrimPrefix(token, "Bearer "), "bearer ")
	client := &http.Client{Timeout: 10 * time.Second}
	status, respBody, err := httpx.RequestJSON(ctx, client, method, url, body, token, 2, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("http %d: %s", status, string(respBody))
	}
	return respBody, nil
}

func printJSON(out io.Writer, raw []byte) error {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		_, werr := out.Write(raw)
		return werr
	}
	pretty, _ := json.MarshalIndent(obj, "", "  ")
	_, _ = out.Write(pretty)
	_, err := out.Write([]byte("\n"))
	return err
}

func env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
