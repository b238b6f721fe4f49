package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/k0kubun/pp/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	transports "github.com/rzbill/conductor/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// DefaultBaseURL reads CONDUCTOR_HTTP or falls back to the local default.
func DefaultBaseURL() string {
	if v := os.Getenv("CONDUCTOR_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:7070"
}

// grpcAddrFromEnv returns the gRPC server address from CONDUCTOR_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("CONDUCTOR_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:7071"
}

// dialGRPCContext dials the gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func jobsTransport(baseURL BaseURLFunc) transports.JobsTransport {
	return transports.NewHTTPTransport(baseURL, nil)
}

func healthTransport() transports.HealthTransport {
	return transports.NewGrpcTransport(dialGRPCContext)
}

// readGraph loads a graph document from path ("-" for stdin) and returns it
// as JSON. YAML documents, by extension or format, are converted.
func readGraph(path, format string, stdin io.Reader) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".yaml", ext == ".yml", format == "yaml":
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml graph: %w", err)
		}
		return json.Marshal(doc)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("graph document %s is not valid JSON", path)
	}
	return b, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// prettyPrint renders v for humans.
func prettyPrint(w io.Writer, v any, color bool) error {
	p := pp.New()
	p.SetColoringEnabled(color)
	_, err := p.Fprintln(w, v)
	return err
}
