package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"faithful/internal/admin"
	"faithful/internal/backend"
	"faithful/internal/chat"
	"faithful/internal/chunker"
	"faithful/internal/config"
	"faithful/internal/corpus"
	"faithful/internal/httpx"
	"faithful/internal/memory"
	"faithful/internal/platform"
	"faithful/internal/prompt"
	"faithful/internal/scheduler"
	"faithful/internal/tools"
	"faithful/internal/util"
)

const logPrefix = "[faithful]"

func main() {
	envPath := flag.String("env", ".env", "path to the .env file")
	flag.Parse()

	if err := run(*envPath); err != nil {
		log.Fatalf("%s %v", logPrefix, err)
	}
}

func run(envPath string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return err
	}

	httpClient, err := httpx.NewClient(httpx.ClientOptions{ProxyURL: cfg.ProxyURL})
	if err != nil {
		return err
	}

	corp, err := corpus.Open(filepath.Join(cfg.DataDir, "corpus"), newRNG())
	if err != nil {
		return err
	}
	mem, err := memory.Open(filepath.Join(cfg.DataDir, "memories"))
	if err != nil {
		return err
	}

	exec := tools.NewExecutor(mem, tools.NewWebSearch(httpClient), cfg.EnableWebSearch, cfg.EnableMemory)

	makeGen := func(name string) (backend.Backend, error) {
		return backend.New(name, backendOptions(cfg, name, httpClient, exec), corp)
	}
	gen, err := makeGen(cfg.ActiveBackend)
	if err != nil {
		log.Printf("%s backend %q unavailable (%v), falling back to markov", logPrefix, cfg.ActiveBackend, err)
		if gen, err = makeGen("markov"); err != nil {
			return err
		}
	}
	sw := backend.NewSwitchable(gen)

	rest, err := platform.NewRESTClient(httpClient, cfg.APIBase, cfg.Token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	selfID, selfName, err := rest.Me(ctx)
	if err != nil {
		return err
	}
	log.Printf("%s running as %s (%d), backend=%s", logPrefix, selfName, selfID, sw.Name())

	assembler := prompt.NewAssembler(cfg, rest, corp, mem, selfID)
	if emojis, err := rest.ListEmojis(ctx); err != nil {
		log.Printf("%s emoji list unavailable: %v", logPrefix, err)
	} else {
		assembler.SetEmojis(emojis)
	}

	deliverer := chunker.NewDeliverer(rest, newRNG())
	coord := chat.NewCoordinator(cfg, rest, sw, assembler, deliverer, selfID, newRNG())

	feed := scheduler.NewTopicFeed(cfg.SpontaneousFeedURL, newRNG())
	sched, err := scheduler.New(cfg, coord, feed, filepath.Join(cfg.DataDir, "scheduler_state.json"), newRNG())
	if err != nil {
		return err
	}

	adminHandler := admin.NewHandler(cfg, rest, corp, mem, sw, sched, makeGen)

	gateway, err := platform.NewGateway(cfg.GatewayURL, cfg.Token, func(msg platform.Message) {
		go func() {
			if adminHandler.Handle(ctx, msg) {
				return
			}
			coord.HandleMessage(ctx, msg)
		}()
	}, platform.GatewayOptions{})
	if err != nil {
		return err
	}

	group := util.NewGroup(ctx)
	group.Go(func(ctx context.Context) {
		if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("%s gateway stopped: %v", logPrefix, err)
		}
	})
	group.Go(func(ctx context.Context) {
		sched.Run(ctx)
	})

	group.Wait()
	coord.Wait()
	log.Printf("%s shut down cleanly", logPrefix)
	return nil
}

// backendOptions reads models and hosts through a snapshot because admin
// commands rebuild backends while the bot is running.
func backendOptions(cfg *config.Config, name string, httpClient *http.Client, exec *tools.Executor) backend.Options {
	st := cfg.Snapshot()
	opts := backend.Options{HTTPClient: httpClient, Executor: exec}
	switch name {
	case "openai":
		opts.APIKey = cfg.OpenAIAPIKey
		opts.BaseURL = st.OpenAIBaseURL
		opts.Model = st.OpenAIModel
	case "gemini":
		opts.APIKey = cfg.GeminiAPIKey
		opts.Model = st.GeminiModel
	case "anthropic":
		opts.APIKey = cfg.AnthropicAPIKey
		opts.Model = st.AnthropicModel
	case "ollama":
		opts.BaseURL = st.OllamaHost
		opts.Model = st.OllamaModel
	}
	return opts
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
