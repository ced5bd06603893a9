package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"uk.co.dudmesh.telex/internal/model"
)

var defaultTargets = []string{
	"telex-node-a:8023",
	"telex-node-b:8023",
	"telex-node-c:8023",
}

func main() {
	timeout := pflag.DurationP("timeout", "t", 5*time.Second, "connection timeout per node")
	send := pflag.Bool("send", false, "send a test message to each node")
	source := pflag.String("source", "0001", "source address for test messages")
	destination := pflag.String("destination", "0002", "destination address for test messages")
	body := pflag.String("body", "RYRYRYRY THE QUICK BROWN FOX", "body of test messages")
	pflag.Parse()

	targets := pflag.Args()
	if len(targets) == 0 {
		targets = defaultTargets
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Telex Mesh Network Connectivity Test")
	fmt.Println(strings.Repeat("=", 60))

	failed := 0
	for _, target := range targets {
		var msg *model.Message
		if *send {
			msg = testMessage(*source, *destination, *body)
		}
		fmt.Printf("Testing %s... ", target)
		res := probe(ctx, target, *timeout, msg)
		if res.OK {
			fmt.Printf("OK %s\n", res.Detail)
		} else {
			failed++
			fmt.Printf("FAIL %s\n", res.Detail)
		}
		if ctx.Err() != nil {
			fmt.Println("interrupted")
			os.Exit(130)
		}
	}

	fmt.Println(strings.Repeat("=", 60))
	if failed > 0 {
		fmt.Printf("RED: %d of %d nodes failed\n", failed, len(targets))
		os.Exit(1)
	}
	fmt.Println("GREEN: mesh network active")
}
