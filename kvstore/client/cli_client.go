package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
)

// RunCliClient method starts a simple REPL program
// using the kvstore library.
func RunCliClient(servers []common.Server, manager common.RPCManager) error {
	store, err := kvstore.NewKeyValStore(servers, manager)
	if err != nil {
		return err
	}
	return Repl(os.Stdin, os.Stdout, store)
}

// Repl reads commands from in until EOF.
func Repl(in io.Reader, out io.Writer, store *kvstore.KVStore) error {
	ok := color.New(color.FgGreen)
	fail := color.New(color.FgRed)

	fmt.Fprintln(out, "<<<< KV Store Using Raft >>>>")
	fmt.Fprintln(out, "Available commands: ")
	fmt.Fprintln(out, "\t GET <key>")
	fmt.Fprintln(out, "\t SET <key> <val>")
	fmt.Fprintf(out, "\n\n")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "$ ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "GET":
			if len(fields) != 2 {
				fail.Fprintln(out, "usage: GET <key>")
				continue
			}
			key := fields[1]
			_, val, err := store.Get(key)
			if err != nil {
				fail.Fprintln(out, err)
			} else {
				ok.Fprintf(out, "%s = %s, OK\n", key, val)
			}
		case "SET":
			if len(fields) != 3 {
				fail.Fprintln(out, "usage: SET <key> <val>")
				continue
			}
			key, val := fields[1], fields[2]
			if _, err := store.Set(key, val); err != nil {
				fail.Fprintln(out, err)
			} else {
				ok.Fprintf(out, "%s = %s, OK\n", key, val)
			}
		default:
			fail.Fprintln(out, "Incorrect command")
		}
	}
}
