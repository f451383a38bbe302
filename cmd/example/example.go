// Command example invokes a plugin once from the command line.
//
//	example [-config wadoo.toml] GET /math/5/3
//	example [-config wadoo.toml] POST /echo/1/2 '{"hello":"world"}'
//	example -call add 5 3
//
// In command mode the plugin name is the first path segment. With -call the
// named export of the calc plugin is called directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/mrhapile/wasi-plugin-host/config"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to "+config.FileName)
	call := flag.String("call", "", "call this export of -plugin directly instead of running a command")
	plugin := flag.String("plugin", "calc", "plugin used by -call")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] METHOD PATH [BODY]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [-config file] -call OP A B\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()

	engine, err := runtime.NewEngine(context.Background(), runtime.EngineKind(cfg.Runtime.Engine))
	if err != nil {
		log.WithError(err).Fatal("failed to start engine")
	}
	loader := runtime.NewLoader(cfg.Store(), engine, log)
	defer loader.Close(context.Background())
	inv := runtime.NewInvoker(loader, cfg.ComponentRunner(), cfg.InvokerOptions(), log)

	var out string
	if *call != "" {
		out, err = callExport(inv, *plugin, *call, flag.Args())
	} else {
		out, err = invoke(inv, flag.Args())
	}
	if err != nil {
		report(log, err)
		loader.Close(context.Background())
		os.Exit(1)
	}
	fmt.Println(out)
}

func callExport(inv *runtime.Invoker, plugin, op string, args []string) (string, error) {
	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}
	a, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return "", fmt.Errorf("operand a: %w", err)
	}
	b, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return "", fmt.Errorf("operand b: %w", err)
	}

	result, err := inv.Call(context.Background(), plugin, op, int32(a), int32(b))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%d, %d) = %d", op, a, b, result), nil
}

func invoke(inv *runtime.Invoker, args []string) (string, error) {
	if len(args) < 2 || len(args) > 3 {
		flag.Usage()
		os.Exit(2)
	}
	req := runtime.Request{Method: strings.ToUpper(args[0]), Path: args[1]}
	if len(args) == 3 {
		req.Body = args[2]
	}

	name := strings.SplitN(strings.TrimPrefix(req.Path, "/"), "/", 2)[0]
	res, err := inv.Invoke(context.Background(), name, req)
	if err != nil {
		return "", err
	}
	return gjson.Get(res.Payload, "@pretty").String(), nil
}

// report logs err with whatever the guest left behind.
func report(log *logrus.Logger, err error) {
	entry := log.WithError(err)
	if kind := runtime.KindOf(err); kind != nil {
		entry = entry.WithField("kind", kind.Error())
	}
	if ie, ok := err.(*runtime.InvocationError); ok && ie.Detail != "" {
		entry = entry.WithField("detail", strings.TrimSpace(ie.Detail))
	}
	entry.Error("invocation failed")
}
