//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the lending API.
//
// Usage:
//
//	BOOK_ID=<id> TOKENS=<jwt1>,<jwt2>,... go run ./scripts/concurrency_test.go
//
// Or positionally:
//
//	go run ./scripts/concurrency_test.go <book_id> <jwt1> [jwt2 ...]
//
// What it does:
//  1. Fires one goroutine per token, all checking out the same book at once.
//  2. Counts 201 (checkout created) against 400 (no copies / already checked out).
//  3. Reads the book back and checks that successes never exceed the copies
//     that were available before the run.
//
// Prerequisites:
//   - The server is running with the same JWT_SECRET the tokens were signed with.
//   - The book and one user per token exist.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type checkoutResult struct {
	Index      int
	StatusCode int
	Message    string
	Err        error
}

type book struct {
	ID              uint `json:"id"`
	TotalCopies     int  `json:"total_copies"`
	AvailableCopies int  `json:"available_copies"`
}

func main() {
	serverAddr := os.Getenv("SERVER_URL")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	var tokens []string
	if env := os.Getenv("TOKENS"); env != "" {
		tokens = strings.Split(env, ",")
	}

	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		tokens = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<id> TOKENS=<jwt1,jwt2,...> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <book_id> <jwt1> [jwt2 ...]")
	}
	if len(tokens) == 0 {
		log.Fatal("At least one token must be provided via TOKENS env or positional args")
	}

	before, err := fetchBook(serverAddr, bookID, strings.TrimSpace(tokens[0]))
	if err != nil {
		log.Fatalf("Could not read book %s: %v", bookID, err)
	}

	fmt.Printf("=== Lending Concurrency Test ===\n")
	fmt.Printf("Server    : %s\n", serverAddr)
	fmt.Printf("Book      : %s (%d of %d available)\n", bookID, before.AvailableCopies, before.TotalCopies)
	fmt.Printf("Borrowers : %d\n\n", len(tokens))

	results := make([]checkoutResult, len(tokens))
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i, tok := range tokens {
		wg.Add(1)
		go func(idx int, token string) {
			defer wg.Done()
			<-start
			results[idx] = attemptCheckout(serverAddr, bookID, token)
			results[idx].Index = idx
		}(i, strings.TrimSpace(tok))
	}

	fmt.Println("Firing all requests simultaneously...")
	close(start)
	wg.Wait()
	fmt.Println("All requests completed.")

	var created, rejected, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] token#%-3d err=%v\n", r.Index, r.Err)
		case r.StatusCode == http.StatusCreated:
			created++
			fmt.Printf("  [CHCK] token#%-3d status=%d\n", r.Index, r.StatusCode)
		case r.StatusCode == http.StatusBadRequest:
			rejected++
			fmt.Printf("  [RJCT] token#%-3d status=%d error=%q\n", r.Index, r.StatusCode, r.Message)
		default:
			failures++
			fmt.Printf("  [FAIL] token#%-3d status=%d error=%q\n", r.Index, r.StatusCode, r.Message)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Checkouts : %d\n", created)
	fmt.Printf("Rejected  : %d\n", rejected)
	fmt.Printf("Failures  : %d\n", failures)
	fmt.Printf("Total     : %d\n\n", len(tokens))

	after, err := fetchBook(serverAddr, bookID, strings.TrimSpace(tokens[0]))
	if err != nil {
		log.Fatalf("Could not re-read book %s: %v", bookID, err)
	}

	fmt.Println("--- Invariant Check ---")
	fmt.Printf("available_copies: %d -> %d\n", before.AvailableCopies, after.AvailableCopies)
	ok := created <= before.AvailableCopies && after.AvailableCopies == before.AvailableCopies-created
	if !ok {
		fmt.Println("[FAIL] checkouts and available_copies disagree")
		os.Exit(1)
	}
	fmt.Println("[OK] no copy was lent twice")

	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed, check server logs for details.\n", failures)
		os.Exit(1)
	}
}

// attemptCheckout sends POST /library/checkout/ with the given bearer token.
func attemptCheckout(serverAddr, bookID, token string) checkoutResult {
	body := fmt.Sprintf(`{"book_id":%s}`, bookID)
	req, err := http.NewRequest(http.MethodPost, serverAddr+"/library/checkout/", bytes.NewBufferString(body))
	if err != nil {
		return checkoutResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return checkoutResult{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &parsed)
	return checkoutResult{StatusCode: resp.StatusCode, Message: parsed.Error}
}

func fetchBook(serverAddr, bookID, token string) (*book, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/library/books/%s/", serverAddr, bookID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var b book
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}
