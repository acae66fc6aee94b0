// Package crateddb records daemon activity, runs, and data files to a
// ClickHouse database. The database is optional: every method on a
// disconnected handle is a cheap no-op, so callers never check first.
package crateddb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "crated" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// Connection writes rows through a single goroutine so inserts land in
// submission order.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ServiceActivityMessage
	runmsg        chan *RunMessage
	statsmsg      chan *ModuleStatsMessage
	filemsg       chan *FileMessage
	sync.WaitGroup
}

// IsConnected reports whether rows will actually reach a server. Safe on
// a nil handle.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// PingServer checks that a ClickHouse server answers with the configured
// credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the database, records the daemon activity row,
// and starts the insert goroutine. Close abort to disconnect.
func StartConnection(activity *ServiceActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a handle that records nothing, for running
// without a database.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("CRATED_DB_USER"),
		Password: os.Getenv("CRATED_DB_PASSWORD"),
	}
	addr := os.Getenv("CRATED_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "crated", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			log.Printf("database exception [%d] %s\n%s", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *RunMessage)
	db.statsmsg = make(chan *ModuleStatsMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO cratedactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeLayout), ae.End.Format(timeLayout),
	); err != nil {
		log.Println("AsyncInsert into cratedactivity:", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case smsg := <-db.statsmsg:
			db.handleStatsMessage(smsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

// Disconnect stamps the activity row's end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordRun stores a run row. It blocks until the insert goroutine has
// the message.
// WARNING: Don't change this blocking behavior! It is how we ensure a run
// is entered in the DB before any corresponding RecordStats or RecordFile
// calls begin. Without it those rows could land with no valid run ID.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun re-records the run row with its end time stamped.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordStats stores one module's final run counters.
func (db *Connection) RecordStats(msg *ModuleStatsMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.statsmsg <- msg }()
}

// RecordFile stores a data file row.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.RunType, m.Intention, m.Directory,
		m.Modules, m.Channels, m.Start.Format(timeLayout), m.End.Format(timeLayout),
	); err != nil {
		log.Println("AsyncInsert into runs:", err)
		db.err = err
	}
}

func (db *Connection) handleStatsMessage(m *ModuleStatsMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO runstats VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Module, m.Slot, m.Serial, m.RealTime, m.RunTime, m.Events,
	); err != nil {
		log.Println("AsyncInsert into runstats:", err)
		db.err = err
	}
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Module, m.Filename, m.Filetype, m.Items, m.Size,
		m.Start.Format(timeLayout), m.End.Format(timeLayout),
	); err != nil {
		log.Println("AsyncInsert into files:", err)
		db.err = err
	}
}
