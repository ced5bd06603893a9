package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"uk.co.dudmesh.telex/internal/model"
)

type result struct {
	Target string
	OK     bool
	Detail string
}

// probe dials target and, when msg is non-nil, writes it as a single frame.
// A node answers only when it rejects a frame, so silence within the read
// window counts as accepted.
func probe(ctx context.Context, target string, timeout time.Duration, msg *model.Message) result {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case errors.As(err, &dnsErr):
			return result{Target: target, Detail: fmt.Sprintf("DNS resolution failed: %v", dnsErr)}
		case isTimeout(err):
			return result{Target: target, Detail: fmt.Sprintf("timed out after %s", timeout)}
		}
		return result{Target: target, Detail: fmt.Sprintf("failed to connect: %v", err)}
	}
	defer conn.Close()

	if msg == nil {
		return result{Target: target, OK: true, Detail: "connected"}
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return result{Target: target, Detail: fmt.Sprintf("encoding test message: %v", err)}
	}
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return result{Target: target, Detail: fmt.Sprintf("sending test message: %v", err)}
	}

	conn.SetReadDeadline(time.Now().Add(timeout / 5))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err == nil {
		reply := map[string]string{}
		if json.Unmarshal(line, &reply) == nil && reply["error"] != "" {
			return result{Target: target, Detail: "test message rejected: " + reply["error"]}
		}
		return result{Target: target, Detail: fmt.Sprintf("unexpected reply %q", line)}
	}
	if !isTimeout(err) {
		return result{Target: target, Detail: fmt.Sprintf("connection closed after test message: %v", err)}
	}
	return result{Target: target, OK: true, Detail: "test message " + msg.MessageID.String() + " sent"}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func testMessage(source, destination, body string) *model.Message {
	now := time.Now().UTC()
	return &model.Message{
		MessageID:        uuid.New(),
		TimestampCreated: model.Timestamp{Time: now},
		Routing: model.Routing{
			Source:      model.Address(source),
			Destination: model.Address(destination),
			Priority:    model.DefaultPriority,
		},
		Content: model.Content{
			Body:        body,
			ContentType: model.DefaultContentType,
		},
		Trace: []model.TraceHop{},
	}
}
