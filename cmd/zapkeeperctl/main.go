package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addrFlag := flag.String("addr", "http://127.0.0.1:10000", "daemon base URL")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	purgeFlag := flag.Bool("purge", false, "with logout: also delete stored session rows")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{base: strings.TrimRight(*addrFlag, "/"), jsonOut: *jsonFlag}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: zapkeeperctl send <number> <message...>")
			os.Exit(1)
		}
		c.cmdSend(args[1], strings.Join(args[2:], " "))
	case "check":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: zapkeeperctl check <number>")
			os.Exit(1)
		}
		c.cmdCheck(args[1])
	case "logout":
		c.cmdLogout(*purgeFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: zapkeeperctl [--addr <url>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show connection status")
	fmt.Fprintln(os.Stderr, "  send <number> <msg>     Send a text message")
	fmt.Fprintln(os.Stderr, "  check <number>          Check whether a number is registered")
	fmt.Fprintln(os.Stderr, "  logout [--purge]        Log out; --purge also deletes stored rows")
}

type client struct {
	base    string
	jsonOut bool
}

func (c *client) do(method, path string, payload any) map[string]any {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fail(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		fail(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpc.Do(req)
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon at %s: %w", c.base, err))
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail(err)
	}
	if c.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		os.Exit(0)
	}
	if resp.StatusCode >= 400 {
		msg, _ := out["message"].(string)
		fail(fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode))
	}
	return out
}

func (c *client) cmdStatus() {
	out := c.do(http.MethodGet, "/api/status", nil)
	fmt.Printf("Session: %v\n", out["session"])
	fmt.Printf("State:   %v\n", out["state"])
	fmt.Printf("Ready:   %v\n", out["isReady"])
	if code, ok := out["pairingCode"]; ok {
		fmt.Printf("Pairing: %v\n", code)
	}
}

func (c *client) cmdSend(number, message string) {
	out := c.do(http.MethodPost, "/api/send", map[string]string{
		"number":  number,
		"message": message,
	})
	fmt.Printf("Accepted, request id %v\n", out["requestId"])
}

func (c *client) cmdCheck(number string) {
	out := c.do(http.MethodPost, "/api/check", map[string]string{"number": number})
	if out["exists"] == true {
		fmt.Println("registered")
	} else {
		fmt.Println("not registered")
	}
}

func (c *client) cmdLogout(purge bool) {
	path := "/api/session"
	if purge {
		path += "?purge=true"
	}
	out := c.do(http.MethodDelete, path, nil)
	fmt.Println("logged out")
	if rows, ok := out["purgedRows"]; ok {
		fmt.Printf("purged %v stored row(s)\n", rows)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
