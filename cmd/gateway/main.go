package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cobot-ai/sandbox-gateway/internal/api"
	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/lifecycle"
	"github.com/cobot-ai/sandbox-gateway/internal/metrics"
	"github.com/cobot-ai/sandbox-gateway/internal/process"
	"github.com/cobot-ai/sandbox-gateway/internal/proxy"
	"github.com/cobot-ai/sandbox-gateway/internal/ratelimit"
	"github.com/cobot-ai/sandbox-gateway/internal/reconciler"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/storage"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
	"github.com/cobot-ai/sandbox-gateway/internal/suspend"
	"github.com/cobot-ai/sandbox-gateway/internal/telegram"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// Config from env
	dynamoTable := getenv("DYNAMODB_TABLE", "sandbox-gateway")
	dynamoEndpoint := os.Getenv("DYNAMODB_ENDPOINT")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	namespace := getenv("K8S_NAMESPACE", "tenants")
	sandboxImage := getenv("SANDBOX_IMAGE", "cobot-sandbox:latest")
	runtimeClass := os.Getenv("SANDBOX_RUNTIME_CLASS")
	publicBaseURL := getenv("PUBLIC_BASE_URL", "http://localhost:8080")
	adminToken := os.Getenv("ADMIN_TOKEN")
	rateLimit, _ := strconv.Atoi(getenv("WEBHOOK_RATE_LIMIT", "30"))
	leaderID := getenv("LEADER_ELECTION_ID", "gateway-"+os.Getenv("POD_NAME"))
	port := getenv("PORT", "8080")
	localMode := os.Getenv("LOCAL_MODE") == "true" || dynamoEndpoint != ""

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// AWS DynamoDB
	var awsOptFns []func(*config.LoadOptions) error
	if localMode {
		// Static credentials for local DynamoDB
		awsOptFns = append(awsOptFns,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "test"),
				getenv("AWS_SECRET_ACCESS_KEY", "test"),
				"",
			)),
		)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, awsOptFns...)
	if err != nil {
		slog.Error("load AWS config", "err", err)
		os.Exit(1)
	}
	var dynamoOpts []func(*dynamodb.Options)
	if dynamoEndpoint != "" {
		dynamoOpts = append(dynamoOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &dynamoEndpoint
		})
	}
	db := dynamodb.NewFromConfig(awsCfg, dynamoOpts...)

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	st := store.New(db, dynamoTable)
	hb := heartbeat.New(st)
	tg := telegram.New(publicBaseURL)
	limiter := ratelimit.New(rdb, rateLimit, time.Minute)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	// Kubernetes
	var cs kubernetes.Interface
	var restCfg *rest.Config
	if localMode {
		slog.Info("running in local mode, using kubeconfig if available")
		cs, restCfg = tryKubeconfig()
		if cs == nil {
			slog.Error("local mode requires a working kubeconfig")
			os.Exit(1)
		}
	} else {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			slog.Error("k8s in-cluster config", "err", err)
			os.Exit(1)
		}
		cs, err = kubernetes.NewForConfig(restCfg)
		if err != nil {
			slog.Error("k8s clientset", "err", err)
			os.Exit(1)
		}
	}

	sandboxes := sandbox.NewK8s(cs, restCfg, sandbox.Config{
		Namespace:    namespace,
		Image:        sandboxImage,
		RuntimeClass: runtimeClass,
	})
	mounter := storage.New(sandboxes, storage.Config{
		Bucket:          os.Getenv("STORAGE_BUCKET"),
		Endpoint:        os.Getenv("STORAGE_ENDPOINT"),
		AccessKeyID:     os.Getenv("STORAGE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("STORAGE_SECRET_ACCESS_KEY"),
	})
	procs := process.NewManager(sandboxes)
	lc := lifecycle.New(sandboxes, procs, mounter, lifecycle.Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GatewayToken:    os.Getenv("COBOT_GATEWAY_TOKEN"),
		WebhookBaseURL:  publicBaseURL,
	})

	// Webhook re-arm sweep
	rec := reconciler.New(st, hb, tg, met, heartbeat.DefaultThreshold, 3*time.Minute)
	go rec.Run(ctx)

	// Idle suspender (leader elected across replicas)
	sus := suspend.New(st, hb, sandboxes, cs, namespace, leaderID, 30*time.Minute)
	go sus.Run(ctx)

	px := proxy.New(st, sandboxes, lc, met)
	h := api.New(st, hb, tg, lc, sandboxes, procs, mounter, limiter, rec, met, reg, px, api.Config{
		AdminToken: adminToken,
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: h.Router(),
	}

	go func() {
		slog.Info("gateway listening", "port", port, "local_mode", localMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func tryKubeconfig() (kubernetes.Interface, *rest.Config) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := clientcmd.BuildConfigFromFlags("", rules.GetDefaultFilename())
	if err != nil {
		return nil, nil
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil
	}
	return cs, cfg
}
