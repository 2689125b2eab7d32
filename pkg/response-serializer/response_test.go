package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseBodyIntactAfterSerialization(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = StoredResponseToBytes(TimedResponse{Response: res, StoredAt: time.Now()})
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestTimedResponseSerialization(t *testing.T) {
	res := &http.Response{
		StatusCode: 201,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("created")),
	}
	res.Header.Add("Test", "-ing")
	res.Header.Add("Connection", "close")
	storedAt := time.UnixMilli(time.Now().UnixMilli())

	bts, err := StoredResponseToBytes(TimedResponse{Response: res, StoredAt: storedAt})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	res2, err := BytesToStoredResponse(bts, nil)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.Response.StatusCode != 201 {
		t.Fatalf("Status is %d", res2.Response.StatusCode)
	}
	if res2.Response.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", res2.Response.Header)
	}
	if res2.Response.Header.Get(storedAtHeaderName) != "" || res2.Response.Header.Get("Connection") != "" {
		t.Fatalf("Unexpected headers %+v", res2.Response.Header)
	}
	if !res2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %v, expected %v", res2.StoredAt, storedAt)
	}
	body, _ := io.ReadAll(res2.Response.Body)
	if string(body) != "created" {
		t.Fatalf("Body: %s", body)
	}
}

func TestEmptyBody(t *testing.T) {
	res := &http.Response{StatusCode: 200, Header: http.Header{}}
	bts, err := StoredResponseToBytes(TimedResponse{Response: res})
	if err != nil {
		t.Fatal(err)
	}
	res2, err := BytesToStoredResponse(bts, nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res2.Response.Body)
	if len(body) != 0 {
		t.Fatalf("Body: %s", body)
	}
}
