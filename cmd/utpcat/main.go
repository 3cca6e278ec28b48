// Command utpcat pipes stdin/stdout over a uTP connection, in the
// manner of netcat.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/goburrow/utp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	listen := flag.Bool("l", false, "listen for one inbound connection")
	bind := flag.String("bind", ":0", "local address to bind")
	verbose := flag.Int("v", utp.LevelInfo, "log level")
	flag.Usage = func() {
		output := flag.CommandLine.Output()
		fmt.Fprintln(output, "Usage: utpcat [options] <address>")
		fmt.Fprintln(output, "       utpcat -l [options]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if !*listen && flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*listen, *bind, flag.Arg(0), *verbose); err != nil {
		log.Fatal(err)
	}
}

func run(listen bool, bind, addr string, verbose int) error {
	sock := utp.NewSocket(nil)
	sock.SetLogger(utp.LeveledLogger(verbose))
	if err := sock.Listen(bind); err != nil {
		return err
	}
	defer sock.Close()
	var (
		conn *utp.Conn
		err  error
	)
	if listen {
		log.Printf("listening on %s", sock.LocalAddr())
		conn, err = sock.Accept()
	} else {
		conn, err = sock.Connect(addr)
	}
	if err != nil {
		return err
	}
	log.Printf("connected to %s", conn.RemoteAddr())
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		conn.Close()
		done <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		done <- err
	}()
	if err := <-done; err != nil && err != io.EOF {
		return err
	}
	return nil
}
