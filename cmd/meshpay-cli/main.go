package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshpay/client"
	"meshpay/protocol"
	"meshpay/reliability"
	"meshpay/transport"
)

var (
	relayAddr = envOr("MESHPAY_RELAY", "127.0.0.1:4242")
	operator  = envOr("MESHPAY_OPERATOR", "")
	bindAddr  = envOr("MESHPAY_BIND", ":0")
	mtu       = 450
)

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage()
		return
	}
	if operator == "" {
		fmt.Fprintln(os.Stderr, "Error: set --operator or MESHPAY_OPERATOR")
		os.Exit(1)
	}

	c, closeFn, err := dial()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "provision":
		if len(args) < 3 {
			fmt.Println("Error: provision needs <view-key> <wallet-address> [restore-height]")
			printUsage()
			return
		}
		var height uint64
		if len(args) > 3 {
			height, err = strconv.ParseUint(args[3], 10, 64)
			exitOn(err)
		}
		ack, err := c.Provision(ctx, args[1], args[2], "", height)
		exitOn(err)
		fmt.Println(ack.Status)
	case "balance":
		refresh := len(args) > 1 && args[1] == "--refresh"
		bal, err := c.Balance(ctx, refresh)
		exitOn(err)
		printJSON(bal)
	case "create":
		if len(args) < 3 {
			fmt.Println("Error: create needs <destination> <atomic-amount>")
			printUsage()
			return
		}
		amount, err := strconv.ParseUint(args[2], 10, 64)
		exitOn(err)
		requestID, unsigned, err := c.CreateTransaction(ctx, args[1], amount, 0)
		exitOn(err)
		fmt.Printf("request id: %s\n", requestID)
		fmt.Printf("tx key:     %s\n", unsigned.TxKey)
		fmt.Printf("fee:        %d\n", unsigned.Fee)
		// The unsigned artifact goes to the cold signer on removable
		// media, so it lands in a file, not on stdout.
		outFile := requestID + ".unsigned"
		exitOn(os.WriteFile(outFile, []byte(unsigned.UnsignedTxSet), 0o600))
		fmt.Printf("unsigned artifact written to %s\n", outFile)
	case "submit":
		if len(args) < 4 {
			fmt.Println("Error: submit needs <request-id> <signed-file> <tx-key>")
			printUsage()
			return
		}
		signed, err := os.ReadFile(args[2])
		exitOn(err)
		result, err := c.SubmitSigned(ctx, args[1], string(signed), args[3])
		exitOn(err)
		printJSON(result)
	case "history":
		var limit uint64 = 25
		if len(args) > 1 {
			limit, err = strconv.ParseUint(args[1], 10, 32)
			exitOn(err)
		}
		hist, err := c.History(ctx, uint32(limit), 0)
		exitOn(err)
		printJSON(hist)
	case "export-outputs":
		resp, err := c.ExportOutputs(ctx, true)
		exitOn(err)
		outFile := "outputs.hex"
		exitOn(os.WriteFile(outFile, []byte(resp.OutputsHex), 0o600))
		fmt.Printf("outputs written to %s\n", outFile)
	case "import-key-images":
		if len(args) < 2 {
			fmt.Println("Error: import-key-images needs <batch-file>")
			printUsage()
			return
		}
		images, err := readKeyImages(args[1])
		exitOn(err)
		resp, err := c.ImportKeyImages(ctx, args[1], images, 0)
		exitOn(err)
		printJSON(resp)
	case "watch":
		c.OnStatus(func(s *protocol.Status) {
			printJSON(s)
		})
		fmt.Println("watching for status pushes, Ctrl-C to stop")
		select {}
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
	}
}

func dial() (*client.Client, func(), error) {
	tr, err := transport.NewUDP(bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", bindAddr, err)
	}
	link := reliability.NewLink(tr, mtu, 2*time.Minute, nil)
	c := client.New(link, relayAddr, operator, reliability.DefaultBackoff(), nil)
	return c, func() { _ = tr.Close() }, nil
}

// readKeyImages parses a batch file of "key_image signature" lines, the
// format the cold signer writes to removable media.
func readKeyImages(path string) ([]protocol.SignedKeyImage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var images []protocol.SignedKeyImage
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"key_image signature\"", path, i+1)
		}
		images = append(images, protocol.SignedKeyImage{KeyImage: fields[0], Signature: fields[1]})
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%s contains no key images", path)
	}
	return images, nil
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := args[:0:0]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--relay":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--relay needs a value")
			}
			i++
			relayAddr = args[i]
		case strings.HasPrefix(args[i], "--relay="):
			relayAddr = strings.TrimPrefix(args[i], "--relay=")
		case args[i] == "--operator":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--operator needs a value")
			}
			i++
			operator = args[i]
		case strings.HasPrefix(args[i], "--operator="):
			operator = strings.TrimPrefix(args[i], "--operator=")
		default:
			out = append(out, args[i])
		}
	}
	return out, nil
}

func exitOn(err error) {
	if err != nil {
		if perr, ok := protocol.AsError(err); ok {
			fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", perr.Code, perr.Detail)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printUsage() {
	fmt.Println(`Usage: meshpay-cli [--relay addr] [--operator id] <command>

Commands:
  provision <view-key> <wallet-address> [restore-height]
  balance [--refresh]
  create <destination> <atomic-amount>
  submit <request-id> <signed-file> <tx-key>
  history [limit]
  export-outputs
  import-key-images <batch-file>
  watch`)
}
