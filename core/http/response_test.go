package http

import (
	"strconv"
	"testing"
)

func TestAppendResponseKeepAlive(t *testing.T) {
	got := string(AppendResponse(nil, Version11, StatusOK, true, 5, []byte("hi")))
	want := "HTTP/1.1 200 OK\r\nConnection: keep-alive\r\nKeep-Alive: timeout=5\r\nContent-Length: 2\r\n\r\nhi"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestAppendResponseClose(t *testing.T) {
	got := string(AppendResponse(nil, Version10, StatusNotFound, false, 5, nil))
	want := "HTTP/1.0 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestAppendResponseAppends(t *testing.T) {
	dst := []byte("prefix|")
	got := string(AppendResponse(dst, Version11, StatusBadRequest, false, 0, []byte("x")))
	want := "prefix|HTTP/1.1 400 Bad Request\r\nContent-Length: 1\r\n\r\nx"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestStatusText(t *testing.T) {
	tests := map[int]string{
		200: "OK",
		400: "Bad Request",
		404: "Not Found",
		500: "Internal Server Error",
		418: "",
	}
	for code, want := range tests {
		if got := StatusText(code); got != want {
			t.Errorf("StatusText(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestAppendInt(t *testing.T) {
	for _, n := range []int{0, 7, 10, 131072, -42} {
		got := string(appendInt(nil, n))
		want := strconv.Itoa(n)
		if got != want {
			t.Errorf("appendInt(%d) = %q, want %q", n, got, want)
		}
	}
}
