// Command tierkv-cli is an interactive prompt against a local store
// directory: SET, GET, DELETE, EXIT.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/pkg/tierkv"
)

func main() {
	dir := flag.String("dir", common.DefaultDir, "store root directory")
	flag.Parse()

	opts := tierkv.DefaultOptions()
	opts.Logger = tierkv.NewDefaultLoggerWithLevel(common.LogLevelWarn)
	store, err := tierkv.Open(*dir, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer store.Close()

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, " ", 3)
		switch strings.ToUpper(parts[0]) {
		case "SET":
			if len(parts) != 3 {
				fmt.Println("usage: SET <key> <value>")
				continue
			}
			if err := store.Set([]byte(parts[1]), []byte(parts[2])); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("OK")

		case "GET":
			if len(parts) != 2 {
				fmt.Println("usage: GET <key>")
				continue
			}
			value, found, err := store.Get([]byte(parts[1]))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if !found {
				fmt.Println("(nil)")
				continue
			}
			fmt.Println(string(value))

		case "DELETE", "DEL":
			if len(parts) != 2 {
				fmt.Println("usage: DELETE <key>")
				continue
			}
			if err := store.Delete([]byte(parts[1])); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("OK")

		case "EXIT", "QUIT":
			return

		default:
			fmt.Println("commands: SET <key> <value> | GET <key> | DELETE <key> | EXIT")
		}
	}
}
