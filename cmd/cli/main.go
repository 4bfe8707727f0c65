package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/logger"
	"github.com/dvloznov/txnquery/internal/service"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(log)
	case "query":
		runQuery(log)
	case "users":
		runUsers(log)
	case "history":
		runHistory(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transaction Query CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  ingest    Load a JSON file of transactions for a user")
	fmt.Println("  query     Ask a natural-language question about a user's transactions")
	fmt.Println("  users     List users with ingested data")
	fmt.Println("  history   Show a user's recent questions and answers")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func runIngest(log zerolog.Logger) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	server := fs.String("server", "http://localhost:9000", "API server base URL")
	userID := fs.String("user", "", "User ID to ingest for")
	file := fs.String("file", "", "Path to JSON file with an array of transactions")
	replace := fs.Bool("replace", false, "Replace the user's corpus instead of appending")
	fs.Parse(os.Args[2:])

	if *userID == "" || *file == "" {
		log.Fatal().Msg("Usage: cli ingest -user ID -file PATH")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to read transactions file")
	}

	var records []corpus.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Fatal().Err(err).Msg("Transactions file is not a JSON array of transactions")
	}

	body, err := json.Marshal(map[string]interface{}{
		"user_id":      *userID,
		"transactions": records,
		"replace":      *replace,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode request")
	}

	var resp struct {
		Accepted int    `json:"accepted"`
		Rejected int    `json:"rejected"`
		Version  uint64 `json:"version"`
	}
	if err := postJSON(*server+"/api/ingest", body, &resp); err != nil {
		log.Fatal().Err(err).Msg("Ingest failed")
	}

	fmt.Printf("Ingested %d transactions (%d rejected), corpus version %d\n",
		resp.Accepted, resp.Rejected, resp.Version)
}

func runQuery(log zerolog.Logger) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	server := fs.String("server", "http://localhost:9000", "API server base URL")
	userID := fs.String("user", "", "User ID to query")
	prompt := fs.String("prompt", "", "Natural-language question")
	showAll := fs.Bool("all", false, "Return all matching transactions")
	streaming := fs.Bool("stream", false, "Stream the answer as it is generated")
	fs.Parse(os.Args[2:])

	if *userID == "" || *prompt == "" {
		log.Fatal().Msg("Usage: cli query -user ID -prompt TEXT [-all] [-stream]")
	}

	body, err := json.Marshal(service.QueryRequest{
		UserID:  *userID,
		Prompt:  *prompt,
		ShowAll: *showAll,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode request")
	}

	if *streaming {
		if err := streamQuery(*server, body); err != nil {
			log.Fatal().Err(err).Msg("Stream failed")
		}
		return
	}

	var resp service.QueryResponse
	if err := postJSON(*server+"/api/query", body, &resp); err != nil {
		log.Fatal().Err(err).Msg("Query failed")
	}

	fmt.Printf("Mode: %s    Matches: %d\n", resp.Mode, resp.MatchedCount)
	if len(resp.FiltersApplied) > 0 {
		fmt.Printf("Filters: %s\n", strings.Join(resp.FiltersApplied, ", "))
	}
	fmt.Println("\n" + resp.Answer)

	if len(resp.Transactions) > 0 {
		fmt.Printf("\n=== Transactions (%d of %d) ===\n", len(resp.Transactions), resp.MatchedCount)
		for i, tx := range resp.Transactions {
			fmt.Printf("%d. %s  %s %s  %s  %s\n", i+1,
				tx.Date.Format("2006-01-02"), tx.Amount.StringFixed(2),
				tx.Direction, tx.Mode, tx.Narration)
		}
	}
}

func streamQuery(server string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/query/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "chunk":
				var chunk string
				if err := json.Unmarshal([]byte(data), &chunk); err == nil {
					fmt.Print(chunk)
				}
			case "error":
				var msg string
				_ = json.Unmarshal([]byte(data), &msg)
				return fmt.Errorf("stream error: %s", msg)
			}
		}
	}
	fmt.Println()
	return scanner.Err()
}

func runUsers(log zerolog.Logger) {
	fs := flag.NewFlagSet("users", flag.ExitOnError)
	server := fs.String("server", "http://localhost:9000", "API server base URL")
	fs.Parse(os.Args[2:])

	var resp struct {
		Users []corpus.UserStats `json:"users"`
		Count int                `json:"count"`
	}
	if err := getJSON(*server+"/api/users", &resp); err != nil {
		log.Fatal().Err(err).Msg("Failed to list users")
	}

	fmt.Printf("=== Users (%d) ===\n", resp.Count)
	for _, u := range resp.Users {
		fmt.Printf("%s  %d transactions  version %d  updated %s\n",
			u.UserID, u.TransactionCount, u.Version, u.LastUpdated.Format(time.RFC3339))
	}
}

func runHistory(log zerolog.Logger) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	server := fs.String("server", "http://localhost:9000", "API server base URL")
	userID := fs.String("user", "", "User ID")
	limit := fs.Int("limit", 10, "Maximum entries to show")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		log.Fatal().Msg("Usage: cli history -user ID [-limit N]")
	}

	var resp struct {
		History []struct {
			Question  string    `json:"question"`
			Answer    string    `json:"answer"`
			Mode      string    `json:"mode"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"history"`
	}
	url := fmt.Sprintf("%s/api/history?user_id=%s&limit=%d", *server, *userID, *limit)
	if err := getJSON(url, &resp); err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch history")
	}

	for i, h := range resp.History {
		fmt.Printf("\n%d. [%s, %s]\nQ: %s\nA: %s\n",
			i+1, h.CreatedAt.Format("2006-01-02 15:04"), h.Mode, h.Question, h.Answer)
	}
	fmt.Println()
}

func postJSON(url string, body []byte, out interface{}) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
