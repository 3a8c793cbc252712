//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package tun provides the virtual network interface that captured echo
// requests are read from and forged replies written back to.
package tun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdnet "net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/noisysockets/pingforge"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

var _ pingforge.Interface = (*Device)(nil)

// Device is a TUN device implementation for linux.
type Device struct {
	logger *slog.Logger

	tunFile *os.File

	closeOnce sync.Once

	name string // name of interface

	readOpMu  sync.Mutex
	writeOpMu sync.Mutex
}

// Create creates a TUN device with the provided name.
func Create(ctx context.Context, logger *slog.Logger, name string) (*Device, error) {
	nfd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Create(%q) failed; %s does not exist", name, cloneDevicePath)
		}
		return nil, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, err
	}

	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(nfd, unix.TUNSETIFF, ifr)
	if err != nil {
		return nil, err
	}

	err = unix.SetNonblock(nfd, true)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}

	// Note that the above -- open,ioctl,nonblock -- must happen prior to handing it to netpoll as below this line.

	fd := os.NewFile(uintptr(nfd), cloneDevicePath)

	dev := &Device{
		logger:  logger,
		tunFile: fd,
	}

	dev.name, err = dev.nameSlow()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	return dev, nil
}

// Configure brings the interface up and assigns the point-to-point
// addresses: local is the side the ping client binds to, peer is the probed
// address the forged replies originate from.
func (dev *Device) Configure(local, peer netip.Addr) error {
	link, err := netlink.LinkByName(dev.name)
	if err != nil {
		return fmt.Errorf("failed to find link %q: %w", dev.name, err)
	}

	err = netlink.AddrAdd(link, &netlink.Addr{
		IPNet: &stdnet.IPNet{
			IP:   local.AsSlice(),
			Mask: stdnet.CIDRMask(32, 32),
		},
		Peer: &stdnet.IPNet{
			IP:   peer.AsSlice(),
			Mask: stdnet.CIDRMask(32, 32),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to assign address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring link up: %w", err)
	}

	return nil
}

func (dev *Device) Close() error {
	var err error
	dev.closeOnce.Do(func() {
		err = dev.tunFile.Close()
	})
	return err
}

func (dev *Device) Read(ctx context.Context, frame *pingforge.Frame) error {
	dev.readOpMu.Lock()
	defer dev.readOpMu.Unlock()

	frame.Reset()

	for {
		err := dev.tunFile.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err != nil {
			return err
		}

		frame.Size, err = dev.tunFile.Read(frame.Buf[:])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, syscall.EBADFD) {
				return os.ErrClosed
			}
			return err
		}
		return nil
	}
}

func (dev *Device) Write(ctx context.Context, frame *pingforge.Frame) error {
	dev.writeOpMu.Lock()
	defer dev.writeOpMu.Unlock()

	buf := frame.Bytes()

ATTEMPT_WRITE:
	if err := dev.tunFile.SetWriteDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		return err
	}

	n, err := dev.tunFile.Write(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				buf = buf[n:]
				if len(buf) > 0 {
					goto ATTEMPT_WRITE
				}
				return nil
			}
		}
		if errors.Is(err, syscall.EBADFD) {
			return os.ErrClosed
		}
		return err
	}

	return nil
}

func (dev *Device) Name() string {
	return dev.name
}

func (dev *Device) nameSlow() (string, error) {
	sysconn, err := dev.tunFile.SyscallConn()
	if err != nil {
		return "", err
	}
	var ifr [ifReqSize]byte
	var errno syscall.Errno
	err = sysconn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(
			unix.SYS_IOCTL,
			fd,
			uintptr(unix.TUNGETIFF),
			uintptr(unsafe.Pointer(&ifr[0])),
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get name of TUN device: %w", err)
	}
	if errno != 0 {
		return "", fmt.Errorf("failed to get name of TUN device: %w", errno)
	}
	return unix.ByteSliceToString(ifr[:]), nil
}
