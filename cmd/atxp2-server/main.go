package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bwwq/atxp2/openaihttp"
	"github.com/bwwq/atxp2/pool"
)

func main() {
	var (
		listen           = flag.String("listen", "127.0.0.1:8080", "listen address")
		basePath         = flag.String("base-path", "/v1", "base path prefix")
		accountsFile     = flag.String("accounts", "accounts.json", "account credentials file (JSON)")
		baseURL          = flag.String("base-url", "", "upstream base url (default: https://chat.atxp.ai)")
		apiKey           = flag.String("api-key", "", "API key required for /v1 routes (default: $API_KEY; empty disables auth)")
		refreshMargin    = flag.Duration("refresh-margin", 0, "refresh tokens this long before expiry (default: 60s)")
		disableThreshold = flag.Int("disable-threshold", 0, "consecutive failures before disabling an account (default: 3)")
	)
	flag.Parse()

	key := resolveAPIKey(*apiKey)

	p, err := pool.New(pool.Options{
		Store:            &pool.FileStore{Path: *accountsFile},
		Refresher:        pool.NewHTTPRefresher(*baseURL, nil),
		RefreshMargin:    *refreshMargin,
		DisableThreshold: *disableThreshold,
	})
	if err != nil {
		log.Fatalf("load accounts failed: %v", err)
	}
	log.Printf("loaded %d account(s) from %s", p.Len(), *accountsFile)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	err = openaihttp.RegisterGinRoutes(r, openaihttp.Config{
		BasePath: *basePath,
		BaseURL:  *baseURL,
		Pool:     p,
		APIKey:   key,
	})
	if err != nil {
		log.Fatalf("register routes failed: %v", err)
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("atxp2 server listening on http://%s%s", *listen, *basePath)
	log.Printf("try: curl http://%s%s/models", *listen, *basePath)
	log.Printf("try: curl http://%s%s/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"claude-opus-4-6\",\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}]}'", *listen, *basePath)
	log.Printf("pool status: curl http://%s/status", *listen)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Println(err)
	}
}

// resolveAPIKey 命令行优先，其次 API_KEY 环境变量，都为空则不鉴权。
func resolveAPIKey(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("API_KEY")
}
