package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/worldmesh/worldsync/worldsync"
)

const Version = "0.0.1"

const DefaultUrl = "http://localhost:3020"

func main() {
	usage := `World sync peer tool.

The default url is:
    url: ` + DefaultUrl + `

Usage:
    worldctl query --query=<query> [--url=<url>] [--token=<token>] [--provider=<provider>]
    worldctl publish --sync_group=<sync_group> --channel=<channel> --payload=<payload>
        [--url=<url>] [--token=<token>] [--provider=<provider>]
    worldctl listen --sync_group=<sync_group> --channel=<channel>
        [--url=<url>] [--token=<token>] [--provider=<provider>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>
    --token=<token>              Session token. Omit for a new anonymous session.
    --provider=<provider>        Auth provider name [default: anon].
    --query=<query>
    --sync_group=<sync_group>
    --channel=<channel>
    --payload=<payload>          Json payload.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	url := DefaultUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}

	connection := connect(cancelCtx, url, opts)
	defer connection.Close()

	if query_, _ := opts.Bool("query"); query_ {
		query(cancelCtx, connection, opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(cancelCtx, connection, opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(cancelCtx, connection, opts)
	}
}

func connect(ctx context.Context, url string, opts docopt.Opts) *worldsync.Connection {
	provider, _ := opts["--provider"].(string)

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		token = anonymousToken(ctx, url)
	}

	settings := worldsync.DefaultConnectionSettings()
	settings.ValidateSession = func(ctx context.Context, token string, provider string) (bool, error) {
		return validateSession(ctx, url, token, provider)
	}

	connection := worldsync.NewConnection(
		ctx,
		url+"/world",
		&worldsync.ConnectionAuth{
			Token:    token,
			Provider: provider,
		},
		settings,
	)

	info, err := connection.ConnectWithRetry(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("connected instance_id=%s\n", info.InstanceId)
	return connection
}

func query(ctx context.Context, connection *worldsync.Connection, opts docopt.Opts) {
	queryStr := opts["--query"].(string)
	response, err := connection.Query(ctx, queryStr, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", response.Result)
}

func publish(ctx context.Context, connection *worldsync.Connection, opts docopt.Opts) {
	syncGroup := opts["--sync_group"].(string)
	channel := opts["--channel"].(string)
	payloadStr := opts["--payload"].(string)

	var payload any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		panic(err)
	}

	ack, err := connection.PublishReflect(ctx, syncGroup, channel, payload)
	if err != nil {
		panic(err)
	}
	fmt.Printf("delivered: %d\n", ack.Delivered)
}

func listen(ctx context.Context, connection *worldsync.Connection, opts docopt.Opts) {
	syncGroup := opts["--sync_group"].(string)
	channel := opts["--channel"].(string)

	unsubscribe := connection.SubscribeReflect(syncGroup, channel, func(delivery *worldsync.ReflectMessageDelivery) {
		fmt.Printf("%s:%s <- %s (from %s)\n", delivery.SyncGroup, delivery.Channel, delivery.Payload, delivery.FromSessionId)
	})
	defer unsubscribe()

	<-ctx.Done()
}

func anonymousToken(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, "POST", url+"/session/anonymous", bytes.NewReader(nil))
	if err != nil {
		panic(err)
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		panic(fmt.Errorf("anonymous session error: %d", r.StatusCode))
	}
	var result struct {
		Token     string `json:"token"`
		SessionId string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		panic(err)
	}
	fmt.Printf("anonymous session %s\n", result.SessionId)
	return result.Token
}

func validateSession(ctx context.Context, url string, token string, provider string) (bool, error) {
	args, err := json.Marshal(map[string]string{
		"token":    token,
		"provider": provider,
	})
	if err != nil {
		return false, err
	}
	validateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(validateCtx, "POST", url+"/session/validate", bytes.NewReader(args))
	if err != nil {
		return false, err
	}
	req.Header.Add("Content-Type", "application/json")
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer r.Body.Close()
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		return false, err
	}
	if !result.Success && result.Error != "" {
		return false, fmt.Errorf("%s", result.Error)
	}
	return result.Success, nil
}
