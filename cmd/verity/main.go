// Command verity answers questions with the verified agent loop.
//
// Each question is run through GATHER, ACT and VERIFY; only answers that
// pass verification are delivered, otherwise a fixed failure explanation is
// printed. The process exit code reflects the status of the last run.
//
// # Configuration
//
// A YAML file (-config) is read over built-in defaults, then environment
// variables override individual settings:
//
//	VERITY_PROVIDER           - anthropic, openai or bedrock (default: "anthropic")
//	VERITY_MODEL              - model identifier
//	ANTHROPIC_API_KEY         - Anthropic API key
//	OPENAI_API_KEY            - OpenAI API key
//	AWS_REGION                - Bedrock region (credentials use the AWS default chain)
//	VERITY_KNOWLEDGE_DIR      - knowledge directory (default: "knowledge")
//	VERITY_KNOWLEDGE_REFRESH  - corpus reload interval (optional)
//	MONGO_URI                 - store history and index the corpus in MongoDB (optional)
//	REDIS_URL                 - publish answers to Pulse and share the rate limit (optional)
//	VERITY_TPM                - initial tokens-per-minute budget (default: 60000)
//	VERITY_LOG_FORMAT         - json or terminal
//	VERITY_DEBUG              - enable debug logs
//
// # Example
//
//	ANTHROPIC_API_KEY=... verity -q "What is our refund policy?"
//	cat questions.txt | verity -session support-42
//	REDIS_URL=localhost:6379 verity -follow support-42
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/runtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configF  = flag.String("config", "", "Path to a YAML configuration file")
		questF   = flag.String("q", "", "Question to answer; questions are read from stdin when empty")
		sessionF = flag.String("session", "", "Session id grouping questions into one conversation")
		userF    = flag.String("user", "cli", "User id attached to requests")
		followF  = flag.String("follow", "", "Print the answers published to Pulse for this session instead of answering")
	)
	flag.Parse()

	cfg, err := loadConfig(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	format := log.FormatJSON
	switch {
	case cfg.Log.Format == "terminal":
		format = log.FormatTerminal
	case cfg.Log.Format == "" && log.IsTerminal():
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Log.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *followF != "" {
		if err := follow(ctx, cfg, *followF, os.Stdout, os.Stderr); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "follow failed"})
			return 1
		}
		return 0
	}

	app, err := wire(ctx, cfg)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "startup failed"})
		return 1
	}
	defer app.close(context.WithoutCancel(ctx))

	sessionID := *sessionF
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ask := func(q string) runtime.Status {
		out := app.loop.Run(ctx, agent.Request{Text: q, UserID: *userF, SessionID: sessionID})
		fmt.Println(out.Text)
		log.Info(ctx,
			log.KV{K: "status", V: string(out.Status)},
			log.KV{K: "attempts", V: out.Attempts},
			log.KV{K: "trace_id", V: out.TraceID},
			log.KV{K: "duration_ms", V: out.Duration.Milliseconds()},
		)
		return out.Status
	}

	if q := strings.TrimSpace(*questF); q != "" {
		return ask(q).ExitCode()
	}
	status := runtime.StatusSuccess
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		q := strings.TrimSpace(sc.Text())
		if q == "" {
			continue
		}
		status = ask(q)
		if ctx.Err() != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "read stdin"})
		return 1
	}
	return status.ExitCode()
}
