package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/grpcarchive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/localfs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func openBackend(name, dir string) (archive.Archive, error) {
	switch name {
	case "localfs":
		return localfs.New(dir)
	case "memory":
		return archive.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backend %q (supported: localfs, memory)", name)
}

func run(args []string, errOut io.Writer) int {
	fs := flag.NewFlagSet("sre-archived", flag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "archive backend (localfs, memory)")
	dir := fs.String("dir", ".state/archive", "localfs root directory")
	maxMsg := fs.Int("max-msg-bytes", 0, "max gRPC message size (0 keeps the grpc default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	arc, err := openBackend(*backend, *dir)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer lis.Close()

	var opts []grpc.ServerOption
	if *maxMsg > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(*maxMsg), grpc.MaxSendMsgSize(*maxMsg))
	}
	s := grpc.NewServer(opts...)
	grpcarchive.RegisterArchiveServer(s, &grpcarchive.Server{Archive: arc})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			s.GracefulStop()
		case <-done:
		}
	}()

	fmt.Fprintf(errOut, "sre-archived listening on %s (backend=%s)\n", lis.Addr().String(), *backend)
	if err := s.Serve(lis); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}
