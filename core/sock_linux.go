//go:build linux

package core

import "golang.org/x/sys/unix"

func socket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

func acceptConn(sock int) (int, error) {
	fd, _, err := unix.Accept4(sock, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return fd, err
}
