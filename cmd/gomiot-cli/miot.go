package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/joshp123/gomiot/plugins/miot"
)

func miotCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}

	switch args[0] {
	case "devices":
		resp := call(ctx, conn, "ListDevices", nil)
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"DID", "NAME", "MODEL", "ADDRESS", "STATE", "ONLINE", "SOURCE"}}
		for _, d := range list(resp, "devices") {
			rows = append(rows, []string{str(d, "did"), str(d, "name"), str(d, "model"), str(d, "address"), str(d, "state"), str(d, "online"), str(d, "source")})
		}
		out.table(rows)
		if accounts := list(resp, "accounts"); len(accounts) > 0 {
			fmt.Println("")
			rows = [][]string{{"ACCOUNT", "COUNTRY", "STATE"}}
			for _, a := range accounts {
				rows = append(rows, []string{str(a, "username"), str(a, "country"), str(a, "state")})
			}
			out.table(rows)
		}
	case "device":
		if len(args) < 2 {
			fatal("device", fmt.Errorf("usage: gomiot-cli device <did|name>"))
		}
		did := lookupDID(ctx, conn, args[1])
		resp := call(ctx, conn, "GetDevice", map[string]any{"did": did})
		if out.json {
			out.printJSON(resp)
			return
		}
		dev, _ := resp["device"].(map[string]any)
		for _, key := range []string{"did", "name", "model", "address", "state", "online", "last_seen"} {
			fmt.Printf("%-10s %s\n", strings.ToUpper(key)+":", str(dev, key))
		}
		if polled := str(resp, "polled_at"); polled != "" {
			fmt.Printf("%-10s %s\n", "POLLED:", polled)
		}
		printProperties(out, list(resp, "status"))
	case "props":
		propsCmd(ctx, conn, args[1:], out)
	case "call-device":
		callDeviceCmd(ctx, conn, args[1:], out)
	case "discover":
		flags := flag.NewFlagSet("discover", flag.ExitOnError)
		address := flags.String("address", "", "Unicast address to probe (default: broadcast scan)")
		timeoutMS := flags.Int("timeout-ms", 0, "Probe timeout in milliseconds")
		_ = flags.Parse(args[1:])
		req := map[string]any{"address": *address}
		if *timeoutMS > 0 {
			req["timeout_ms"] = float64(*timeoutMS)
		}
		resp := call(ctx, conn, "Discover", req)
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"DID", "ADDRESS", "KNOWN"}}
		for _, d := range list(resp, "devices") {
			rows = append(rows, []string{str(d, "did"), str(d, "address"), str(d, "known")})
		}
		out.table(rows)
	case "refresh":
		flags := flag.NewFlagSet("refresh", flag.ExitOnError)
		account := flags.String("account", "", "Account username (default: all)")
		_ = flags.Parse(args[1:])
		resp := call(ctx, conn, "RefreshCloud", map[string]any{"account": *account})
		if out.json {
			out.printJSON(resp)
			return
		}
		fmt.Printf("ok: %s devices\n", str(resp, "devices"))
	case "spec":
		if len(args) < 2 {
			fatal("spec", fmt.Errorf("usage: gomiot-cli spec <model|did|name>"))
		}
		req := map[string]any{"model": args[1]}
		if !strings.Contains(args[1], ".") {
			req = map[string]any{"did": lookupDID(ctx, conn, args[1])}
		}
		resp := call(ctx, conn, "GetSpec", req)
		if out.json {
			out.printJSON(resp)
			return
		}
		fmt.Println(str(resp, "type"))
		rows := [][]string{{"PROPERTY", "SIID", "PIID", "FORMAT", "UNIT", "ACCESS"}}
		for _, p := range list(resp, "properties") {
			rows = append(rows, []string{str(p, "name"), str(p, "siid"), str(p, "piid"), str(p, "format"), str(p, "unit"), str(p, "access")})
		}
		out.table(rows)
	default:
		miotUsage()
		os.Exit(2)
	}
}

func propsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out outputMode) {
	if len(args) < 2 {
		miotUsage()
		os.Exit(2)
	}
	did := lookupDID(ctx, conn, args[1])

	switch args[0] {
	case "get":
		selectors := make([]any, 0, len(args)-2)
		for _, arg := range args[2:] {
			selectors = append(selectors, selector(arg, nil))
		}
		req := map[string]any{"did": did}
		if len(selectors) > 0 {
			req["properties"] = selectors
		}
		resp := call(ctx, conn, "GetProperties", req)
		if out.json {
			out.printJSON(resp)
			return
		}
		printProperties(out, list(resp, "properties"))
	case "set":
		if len(args) < 4 {
			fatal("props set", fmt.Errorf("usage: gomiot-cli props set <did|name> <property> <value>"))
		}
		var value any
		if err := json.Unmarshal([]byte(args[3]), &value); err != nil {
			value = args[3]
		}
		resp := call(ctx, conn, "SetProperties", map[string]any{
			"did":        did,
			"properties": []any{selector(args[2], value)},
		})
		if out.json {
			out.printJSON(resp)
			return
		}
		for _, r := range list(resp, "results") {
			result := "ok"
			if code := str(r, "code"); code != "0" {
				result = "code " + code
			}
			fmt.Printf("%s.%s: %s\n", str(r, "siid"), str(r, "piid"), result)
		}
	default:
		miotUsage()
		os.Exit(2)
	}
}

func callDeviceCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out outputMode) {
	flags := flag.NewFlagSet("call-device", flag.ExitOnError)
	params := flags.String("params", "", "JSON params")
	_ = flags.Parse(args)
	rest := flags.Args()
	if len(rest) < 2 {
		fatal("call-device", fmt.Errorf("usage: gomiot-cli call-device [--params '[...]'] <did|name> <method>"))
	}
	req := map[string]any{"did": lookupDID(ctx, conn, rest[0]), "method": rest[1]}
	if *params != "" {
		var decoded any
		if err := json.Unmarshal([]byte(*params), &decoded); err != nil {
			fatal("call-device", fmt.Errorf("invalid --params: %w", err))
		}
		req["params"] = decoded
	}
	resp := call(ctx, conn, "Call", req)
	out.printJSON(resp)
	if _, failed := resp["error"]; failed {
		os.Exit(1)
	}
}

// selector parses "service:property" or "siid.piid".
func selector(arg string, value any) map[string]any {
	sel := map[string]any{"name": arg}
	if siid, piid, ok := strings.Cut(arg, "."); ok {
		s, errS := strconv.Atoi(siid)
		p, errP := strconv.Atoi(piid)
		if errS == nil && errP == nil {
			sel = map[string]any{"siid": float64(s), "piid": float64(p)}
		}
	}
	if value != nil {
		sel["value"] = value
	}
	return sel
}

func printProperties(out outputMode, props []map[string]any) {
	if len(props) == 0 {
		return
	}
	rows := [][]string{{"PROPERTY", "SIID", "PIID", "CODE", "VALUE", "UNIT"}}
	for _, p := range props {
		rows = append(rows, []string{str(p, "name"), str(p, "siid"), str(p, "piid"), str(p, "code"), str(p, "value"), str(p, "unit")})
	}
	out.table(rows)
}

func lookupDID(ctx context.Context, conn *grpc.ClientConn, input string) string {
	resp := call(ctx, conn, "ListDevices", nil)
	did, err := resolveDevice(input, list(resp, "devices"))
	if err != nil {
		fatal("resolve device", err)
	}
	return did
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) map[string]any {
	resp, err := invoke(ctx, conn, miot.ServiceName, method, in)
	if err != nil {
		fatal(strings.ToLower(method), err)
	}
	return resp
}

func miotUsage() {
	fmt.Println("Device commands:")
	fmt.Println("  devices")
	fmt.Println("  device <did|name>")
	fmt.Println("  props get <did|name> [service:property|siid.piid ...]")
	fmt.Println("  props set <did|name> <service:property|siid.piid> <json value>")
	fmt.Println("  call-device [--params '[...]'] <did|name> <method>")
	fmt.Println("  discover [--address host] [--timeout-ms N]")
	fmt.Println("  refresh [--account user]")
	fmt.Println("  spec <model|did|name>")
}
