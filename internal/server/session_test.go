package server

import (
	"bytes"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/crypto"
	"github.com/paraflow/paraflow/internal/protocol"
	"github.com/paraflow/paraflow/internal/storage"
)

const testPassword = "secret123"

func startTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()

	root := t.TempDir()
	key := make([]byte, crypto.KeySize)
	rand.Read(key)

	srv := New(storage.NewStore(root), auth.NewVerifier(testPassword), key, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go srv.Serve(listener)

	return srv, listener.Addr().String(), root
}

func dialTestServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// authenticate completes the handshake on conn or fails the test.
func authenticate(t *testing.T, conn net.Conn) {
	t.Helper()

	if err := protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: auth.AdminUser}); err != nil {
		t.Fatalf("send LoginRequest: %v", err)
	}
	challenge := readAs[*protocol.LoginChallenge](t, conn)

	answer := auth.Answer(testPassword, challenge.Salt)
	if err := protocol.WriteMessage(conn, &protocol.LoginAnswer{Hash: answer}); err != nil {
		t.Fatalf("send LoginAnswer: %v", err)
	}
	welcome := readAs[*protocol.Welcome](t, conn)
	if welcome.SessionID == "" {
		t.Fatal("empty session id in Welcome")
	}
}

func readAs[M protocol.Message](t *testing.T, conn net.Conn) M {
	t.Helper()
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	m, ok := msg.(M)
	if !ok {
		t.Fatalf("got %T, want %T", msg, m)
	}
	return m
}

func TestHandshakeSuccess(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)
	authenticate(t, conn)
}

func TestHandshakeWrongPassword(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)

	protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: auth.AdminUser})
	challenge := readAs[*protocol.LoginChallenge](t, conn)

	protocol.WriteMessage(conn, &protocol.LoginAnswer{Hash: auth.Answer("wrong", challenge.Salt)})
	denial := readAs[*protocol.ErrorMessage](t, conn)
	if denial.Text != "Access Denied" {
		t.Errorf("denial text = %q, want Access Denied", denial.Text)
	}

	// The server closes after denial.
	if _, err := protocol.ReadMessage(conn); err == nil {
		t.Error("connection still open after denied handshake")
	}
}

func TestHandshakeUnknownUser(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)

	protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: "guest"})
	challenge := readAs[*protocol.LoginChallenge](t, conn)

	protocol.WriteMessage(conn, &protocol.LoginAnswer{Hash: auth.Answer(testPassword, challenge.Salt)})
	readAs[*protocol.ErrorMessage](t, conn)
}

func TestMessageBeforeAuthClosesConnection(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)

	protocol.WriteMessage(conn, &protocol.InitUpload{FileName: "f.bin", TotalSize: 1})

	// No reply; the server drops the connection.
	if _, err := protocol.ReadMessage(conn); err == nil {
		t.Error("server answered an unauthenticated InitUpload")
	}
}

func TestSaltRegeneratedPerLoginRequest(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)

	protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: auth.AdminUser})
	first := readAs[*protocol.LoginChallenge](t, conn)

	protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: auth.AdminUser})
	second := readAs[*protocol.LoginChallenge](t, conn)

	if first.Salt == second.Salt {
		t.Error("salt did not rotate between login requests")
	}

	// The latest salt is the live one.
	protocol.WriteMessage(conn, &protocol.LoginAnswer{Hash: auth.Answer(testPassword, second.Salt)})
	readAs[*protocol.Welcome](t, conn)
}

func TestInitUploadForbiddenType(t *testing.T) {
	_, addr, root := startTestServer(t)
	conn := dialTestServer(t, addr)
	authenticate(t, conn)

	for _, name := range []string{"evil.sh", "setup.exe"} {
		protocol.WriteMessage(conn, &protocol.InitUpload{FileName: name, TotalSize: 10})
		reply := readAs[*protocol.ErrorMessage](t, conn)
		if reply.Text != "Forbidden file type" {
			t.Errorf("%s: reply = %q", name, reply.Text)
		}
	}

	// No staging directory appeared and the connection still works.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging entries created for rejected uploads: %v", entries)
	}

	protocol.WriteMessage(conn, &protocol.InitUpload{FileName: "fine.bin", TotalSize: 10})
	readAs[*protocol.InitAck](t, conn)
}

func TestInitUploadUnsafeName(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)
	authenticate(t, conn)

	protocol.WriteMessage(conn, &protocol.InitUpload{FileName: "../escape.bin", TotalSize: 10})
	reply := readAs[*protocol.ErrorMessage](t, conn)
	if reply.Text != "Invalid file name" {
		t.Errorf("reply = %q, want Invalid file name", reply.Text)
	}
}

func TestChunkLifecycle(t *testing.T) {
	srv, addr, root := startTestServer(t)
	conn := dialTestServer(t, addr)
	authenticate(t, conn)

	protocol.WriteMessage(conn, &protocol.InitUpload{FileName: "data.bin", TotalSize: 64})
	ack := readAs[*protocol.InitAck](t, conn)
	if ack.ChunkSize != 0 {
		t.Errorf("InitAck.ChunkSize = %d, want reserved 0", ack.ChunkSize)
	}

	plaintext := make([]byte, 64)
	rand.Read(plaintext)
	ciphertext, err := crypto.EncryptChunk(plaintext, srv.Key)
	if err != nil {
		t.Fatal(err)
	}

	sendChunk := func(hash string, payload []byte) {
		t.Helper()
		meta := &protocol.ChunkMeta{
			UploadID:   ack.UploadID,
			ChunkIndex: 0,
			Size:       uint32(len(payload)),
			Hash:       hash,
		}
		if err := protocol.WriteMessage(conn, meta); err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(payload); err != nil {
			t.Fatal(err)
		}
	}

	// Corrupted payload: hash check fails, NACK, connection survives.
	corrupted := bytes.Clone(ciphertext)
	corrupted[3] ^= 0x01
	sendChunk(crypto.DigestHex(ciphertext), corrupted)
	nack := readAs[*protocol.ChunkNack](t, conn)
	if nack.ChunkIndex != 0 {
		t.Errorf("nack index = %d", nack.ChunkIndex)
	}

	// Matching hash but undecryptable payload: also a NACK.
	sendChunk(crypto.DigestHex(corrupted), corrupted)
	readAs[*protocol.ChunkNack](t, conn)

	// Clean retry succeeds.
	sendChunk(crypto.DigestHex(ciphertext), ciphertext)
	chunkAck := readAs[*protocol.ChunkAck](t, conn)
	if chunkAck.ChunkIndex != 0 {
		t.Errorf("ack index = %d", chunkAck.ChunkIndex)
	}

	// The staged chunk is the decrypted plaintext.
	staged, err := os.ReadFile(filepath.Join(root, ack.UploadID, "chunk_0"))
	if err != nil {
		t.Fatalf("staged chunk missing: %v", err)
	}
	if !bytes.Equal(staged, plaintext) {
		t.Error("staged chunk is not the decrypted plaintext")
	}

	// Complete merges, removes staging, sends no reply.
	protocol.WriteMessage(conn, &protocol.Complete{UploadID: ack.UploadID, FileName: "data.bin", TotalChunks: 1})

	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "data.bin"))
		return err == nil
	})

	merged, err := os.ReadFile(filepath.Join(root, "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(merged, plaintext) {
		t.Error("merged file does not match plaintext")
	}
	if _, err := os.Stat(filepath.Join(root, ack.UploadID)); !os.IsNotExist(err) {
		t.Error("staging directory survived Complete")
	}
}

func TestChunkForAnotherConnectionsUpload(t *testing.T) {
	srv, addr, root := startTestServer(t)

	setup := dialTestServer(t, addr)
	authenticate(t, setup)
	protocol.WriteMessage(setup, &protocol.InitUpload{FileName: "cross.bin", TotalSize: 4})
	ack := readAs[*protocol.InitAck](t, setup)
	setup.Close()

	// A second connection carries the chunk; the upload id is the binding.
	conn := dialTestServer(t, addr)
	authenticate(t, conn)

	ciphertext, err := crypto.EncryptChunk([]byte("data"), srv.Key)
	if err != nil {
		t.Fatal(err)
	}
	meta := &protocol.ChunkMeta{
		UploadID:   ack.UploadID,
		ChunkIndex: 0,
		Size:       uint32(len(ciphertext)),
		Hash:       crypto.DigestHex(ciphertext),
	}
	protocol.WriteMessage(conn, meta)
	conn.Write(ciphertext)
	readAs[*protocol.ChunkAck](t, conn)

	if _, err := os.Stat(filepath.Join(root, ack.UploadID, "chunk_0")); err != nil {
		t.Errorf("chunk not staged: %v", err)
	}
}

func TestCleanDisconnectAfterWelcome(t *testing.T) {
	_, addr, _ := startTestServer(t)
	conn := dialTestServer(t, addr)
	authenticate(t, conn)
	// Closing between messages is a normal session end; nothing to assert
	// beyond the server not panicking, which the next connection verifies.
	conn.Close()

	conn2 := dialTestServer(t, addr)
	authenticate(t, conn2)
}

// waitFor polls briefly for asynchronous effects (Complete has no reply).
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
