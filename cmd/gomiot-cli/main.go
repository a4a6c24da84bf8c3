package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/core"
)

func main() {
	global := flag.NewFlagSet("gomiot-cli", flag.ExitOnError)
	jsonOutput := global.Bool("json", false, "Output JSON")
	timeout := global.Duration("timeout", 30*time.Second, "Overall command timeout")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])
	args := global.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	addr := resolveAddr()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := grpcurl.BlockingDial(ctx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, args[1:], *jsonOutput)
	case "services":
		servicesCmd(ctx, conn)
	case "methods":
		methodsCmd(ctx, conn, args[1:])
	case "call":
		callCmd(ctx, conn, args[1:])
	case "devices", "device", "props", "call-device", "discover", "refresh", "spec":
		miotCmd(ctx, conn, args, *jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		resp, err := invoke(ctx, conn, core.RegistryServiceName, "ListPlugins", nil)
		if err != nil {
			fatal("list plugins", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		for _, p := range list(resp, "plugins") {
			fmt.Printf("%s\t%s\t%s\t%s\n", str(p, "plugin_id"), str(p, "display_name"), str(p, "version"), str(p, "status"))
		}
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		resp, err := invoke(ctx, conn, core.RegistryServiceName, "DescribePlugin", map[string]any{"plugin_id": args[1]})
		if err != nil {
			fatal("describe plugin", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		plugin, _ := resp["plugin"].(map[string]any)
		fmt.Printf("id: %s\n", str(plugin, "plugin_id"))
		fmt.Printf("name: %s\n", str(plugin, "display_name"))
		fmt.Printf("version: %s\n", str(plugin, "version"))
		fmt.Printf("status: %s\n", str(plugin, "status"))
		if msg := str(plugin, "health_message"); msg != "" {
			fmt.Printf("health: %s\n", msg)
		}
		fmt.Println("services:")
		if services, ok := plugin["services"].([]any); ok {
			for _, svc := range services {
				fmt.Printf("  - %v\n", svc)
			}
		}
	default:
		usage()
		os.Exit(2)
	}
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	descSource := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(descSource)
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}

	descSource := reflectionSource(ctx, conn)
	methods, err := grpcurl.ListMethods(descSource, args[0])
	if err != nil {
		fatal("list methods", err)
	}

	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	method := remaining[0]
	descSource := reflectionSource(ctx, conn)

	var reader io.Reader
	if *data != "" {
		reader = strings.NewReader(*data)
	} else if isStdinTerminal() {
		reader = strings.NewReader("{}")
	} else {
		reader = os.Stdin
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}

	handler := grpcurl.NewDefaultEventHandler(os.Stdout, descSource, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, method, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
}

// invoke calls a Struct-in/Struct-out method and returns the decoded reply.
func invoke(ctx context.Context, conn *grpc.ClientConn, service, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, "/"+service+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func resolveAddr() string {
	if value := os.Getenv("GOMIOT_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return dialable(addr)
		}
	}
	return "localhost:9000"
}

// dialable turns a wildcard listen address into one a client can dial.
func dialable(addr string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "localhost:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func configSearchPaths() []string {
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "gomiot", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	cfg, err := config.Load(path)
	if err != nil || cfg == nil {
		return ""
	}
	return cfg.Core.GRPCAddr
}

func usage() {
	fmt.Println("gomiot-cli [--json] [--timeout 30s] <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins list")
	fmt.Println("  plugins describe <plugin_id>")
	fmt.Println("  services")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
	fmt.Println("")
	miotUsage()
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
