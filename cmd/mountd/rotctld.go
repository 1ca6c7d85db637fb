package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
)

// ListenRotctld serves the hamlib rotctld protocol on addr until ctx ends.
func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("rotctld listening on %v", ln.Addr())
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go s.serveRotctld(ctx, ln)
	return nil
}

func (s *Server) serveRotctld(ctx context.Context, ln net.Listener) {
	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("failed to accept: %v", err)
			continue
		}
		go s.handleRotctld(ctx, conn)
	}
}

// parseRotctld splits a line into a command and arguments. Commands come
// in two forms: a single character, or "+\" followed by the command name.
func parseRotctld(line string) (cmd string, args []string, extended bool) {
	if len(line) > 2 && line[0:2] == `+\` {
		parts := strings.Fields(line[2:])
		return parts[0], parts[1:], true
	}
	// Space after command is optional.
	return line[:1], strings.Fields(line[1:]), false
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		cmd, args, extended := parseRotctld(line)
		if extended {
			fmt.Fprintf(conn, "%s:\n", cmd)
		}
		if s.cfg.Verbose {
			log.Printf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		}
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: ESP mount
Mfg name: w1xm
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: -90.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: N
Can get Info: Y
`)
			rprt = 0
		case "_", "get_info":
			fmt.Fprintln(conn, "ESP mount")
			rprt = 0
		case "S", "stop":
			extended = true // always print RPRT
			rprt = s.rotctldError(s.Handle(ctx, Command{Command: "stop"}))
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = -22
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = -22
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = -22
				break
			}
			rprt = s.rotctldError(s.Handle(ctx, Command{Command: "goto", Alt: el, Az: az}))
		case "M", "move":
			// Velocity control is not available over the mount protocol.
			extended = true
			rprt = -4
		case "p", "get_pos":
			status := s.Status()
			az := status.Az
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, status.Alt)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, status.Alt)
			}
			rprt = 0
		case "q", "Q":
			return
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

// rotctldError maps a command error to a hamlib status code.
func (s *Server) rotctldError(err error) int {
	if err == nil {
		return 0
	}
	log.Printf("rotctld: %v", err)
	s.setError(err)
	return -5
}
