// Command ctl sends one request to a running scheduler or worker pool and
// prints the reply.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/0xPuncker/fleetcron/internal/control"
	"github.com/0xPuncker/fleetcron/internal/delivery"
	"github.com/sirupsen/logrus"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2345", "scheduler control address, or worker address with -call")
	method := flag.String("method", "list", "control method: list, create, update, delete, reload, listLogs")
	args := flag.String("args", "{}", "JSON arguments")
	call := flag.String("call", "", "send Class@method to a worker pool instead of a control request")
	codec := flag.String("codec", delivery.CodecNameJSON, "worker codec: json or msgpack")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		out any
		err error
	)
	if *call != "" {
		out, err = callWorker(ctx, *addr, *codec, *call, *args)
	} else {
		out, err = callControl(ctx, *addr, *method, *args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func callControl(ctx context.Context, addr, method, args string) (any, error) {
	if !json.Valid([]byte(args)) {
		return nil, fmt.Errorf("-args is not valid JSON")
	}

	client, err := control.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Do(ctx, method, json.RawMessage(args))
}

func callWorker(ctx context.Context, addr, codec, target, args string) (any, error) {
	class, method, ok := strings.Cut(target, "@")
	if !ok || method == "" {
		method = "execute"
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return nil, fmt.Errorf("-args must be a JSON object: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	client := delivery.NewClient(addr, logger, delivery.WithCodec(delivery.GetCodec(codec)))
	return client.Call(ctx, delivery.Request{Class: class, Method: method, Parameter: params})
}
