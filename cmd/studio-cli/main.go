// Package main 命令行客户端：注册、登录、提交生成与查看历史
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"style-studio-api/internal/application/attempt"
	"style-studio-api/internal/config"
	"style-studio-api/internal/infrastructure/studioclient"
	"style-studio-api/pkg/logger"
)

// Version 版本信息，构建时注入
var Version = "dev"

const tokenEnv = "STUDIO_TOKEN"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	logger.Init("warn", "text", "stderr")

	switch os.Args[1] {
	case "signup":
		authenticate("signup", os.Args[2:])
	case "login":
		authenticate("login", os.Args[2:])
	case "generate":
		generate(os.Args[2:])
	case "history":
		history(os.Args[2:])
	case "version":
		fmt.Printf("studio-cli %s\n", Version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	_, _ = fmt.Fprintln(os.Stderr, "usage:")
	_, _ = fmt.Fprintln(os.Stderr, "  studio-cli signup --email <email> --password <password>")
	_, _ = fmt.Fprintln(os.Stderr, "  studio-cli login --email <email> --password <password>")
	_, _ = fmt.Fprintln(os.Stderr, "  studio-cli generate --image <path> --prompt <text> --style <style> [--retries n]")
	_, _ = fmt.Fprintln(os.Stderr, "  studio-cli history [--limit n]")
	_, _ = fmt.Fprintln(os.Stderr, "  studio-cli version")
	_, _ = fmt.Fprintf(os.Stderr, "token is read from --token or $%s\n", tokenEnv)
}

// clientFlags 各子命令共享的连接参数
type clientFlags struct {
	baseURL string
	token   string
	cfg     config.ClientConfig
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	cfg := loadClientConfig()
	f.cfg = cfg
	fs.StringVar(&f.baseURL, "base-url", cfg.BaseURL, "API base URL")
	fs.StringVar(&f.token, "token", os.Getenv(tokenEnv), "access token")
}

func (f *clientFlags) client() *studioclient.Client {
	cfg := f.cfg
	cfg.BaseURL = f.baseURL
	c := studioclient.NewClient(&cfg)
	c.SetToken(f.token)
	return c
}

// loadClientConfig 读取 configs 目录中的 client 配置，缺失时使用默认值
func loadClientConfig() config.ClientConfig {
	defaults := config.ClientConfig{
		BaseURL:     "http://localhost:8080",
		MaxRetries:  attempt.DefaultMaxRetries,
		BackoffBase: attempt.DefaultBaseDelay,
		Timeout:     30 * time.Second,
	}
	cfg, err := config.Load()
	if err != nil {
		return defaults
	}
	c := cfg.Client
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	return c
}

func authenticate(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	var email, password string
	fs.StringVar(&email, "email", "", "account email")
	fs.StringVar(&password, "password", "", "account password")
	_ = fs.Parse(args)

	if email == "" || password == "" {
		fs.Usage()
		os.Exit(2)
	}

	c := cf.client()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	call := c.Login
	if cmd == "signup" {
		call = c.Signup
	}
	resp, err := call(ctx, email, password)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("signed in as %s (%s)\n", resp.User.Email, resp.User.ID)
	fmt.Printf("export %s=%s\n", tokenEnv, resp.AccessToken)
}

func generate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	var image, prompt, style string
	var retries int
	fs.StringVar(&image, "image", "", "path to a JPEG or PNG image")
	fs.StringVar(&prompt, "prompt", "", "prompt text")
	fs.StringVar(&style, "style", "casual", "casual, formal, sporty or elegant")
	fs.IntVar(&retries, "retries", cf.cfg.MaxRetries, "max retries while the model is overloaded")
	_ = fs.Parse(args)

	if image == "" {
		fs.Usage()
		os.Exit(2)
	}

	ctrl := attempt.NewController(cf.client(), attempt.WithBaseDelay(cf.cfg.BackoffBase))

	// 第一次 Ctrl-C 取消当前提交，进程随后正常退出
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			ctrl.Cancel()
		}
	}()

	gen, err := ctrl.Submit(context.Background(), attempt.Request{
		ImageRef: image,
		Prompt:   prompt,
		Style:    style,
	}, retries, printState)
	switch {
	case err == nil:
	case errors.Is(err, attempt.ErrAborted):
		fmt.Println(attempt.MsgAborted)
		os.Exit(130)
	case errors.Is(err, attempt.ErrExhausted):
		fatal(errors.New(attempt.MsgExhausted))
	default:
		fatal(err)
	}

	fmt.Printf("%s  %s  %s\n", gen.ID, gen.Style, gen.ImageURL)
}

func printState(s attempt.State) {
	switch s.Phase {
	case attempt.PhaseAttempting:
		_, _ = fmt.Fprintln(os.Stderr, "generating...")
	case attempt.PhaseRetrying:
		_, _ = fmt.Fprintln(os.Stderr, s.Message)
	}
}

func history(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	var limit int
	fs.IntVar(&limit, "limit", 5, "number of recent generations")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	items, err := cf.client().ListRecent(ctx, limit)
	if err != nil {
		fatal(err)
	}
	if len(items) == 0 {
		fmt.Println("no generations yet")
		return
	}
	for _, g := range items {
		fmt.Printf("%s  %-8s  %s  %q\n", g.CreatedAt.Local().Format(time.DateTime), g.Style, g.ImageURL, g.Prompt)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
