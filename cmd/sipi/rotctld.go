package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			log.Printf("accepted connection from %v", conn.RemoteAddr())
			go func() {
				defer conn.Close()
				s.handleRotctld(conn, conn.RemoteAddr().String())
			}()
		}
	}()
	return nil
}

func (s *Server) handleRotctld(conn io.ReadWriter, remote string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := strings.TrimRight(scanner.Text(), "\r")
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", remote, cmd, args)
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: SiTech
Mfg name: Sidereal Technology
Rot type: Az-El
Min Azimuth: -180.00
Max Aximuth: 180.00
Min Elevation: 0.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: N
Can get Info: N
`)
			rprt = 0
		case "S", "stop":
			extended = true // always print RPRT
			rprt = 0
			if err := s.client.Abort(); err != nil {
				log.Printf("rotctld stop: %v", err)
				rprt = -5
			}
		case "K", "park":
			extended = true
			rprt = 0
			if err := s.client.Park(); err != nil {
				log.Printf("rotctld park: %v", err)
				rprt = -5
			}
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
			if err != nil || el < 0 || el > 90 {
				rprt = -22
				break
			}
			if az < 0 {
				az += 360
			}
			if s.client.GoToAltAz(el, az) == "" {
				rprt = -5
				break
			}
			rprt = 0
		case "M", "move":
			extended = true
			// Velocity moves go through the hand paddle, not the command port.
			rprt = -4
		case "p", "get_pos":
			t := s.latest()
			if !t.Az.OK || !t.Alt.OK {
				rprt = -5
				break
			}
			az := t.Az.Num
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, t.Alt.Num)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, t.Alt.Num)
			}
			rprt = 0
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", remote, err)
	}
}
