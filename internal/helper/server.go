// Package helper is the local print helper: a loopback HTTP server that
// owns one serial or device-node connection to a printer and writes raw
// command buffers to it.
package helper

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/printer"
)

// DefaultPort is the helper's listen port
const DefaultPort = 9100

const maxBody = 10 << 20

// ErrNotConnected is returned when printing with no open port
var ErrNotConnected = errors.New("printer not connected")

// Port describes a candidate serial device
type Port struct {
	Path string `json:"path"`
	USB  bool   `json:"usb"`
}

// Options wires a helper server
type Options struct {
	Baud int
	// Open defaults to printer.OpenSerial for tty paths and a plain file
	// otherwise
	Open func(path string, baud int) (io.WriteCloser, error)
	// List defaults to printer.SerialCandidates
	List   func() []string
	Logger *zap.Logger
}

// Server is the helper HTTP server
type Server struct {
	router *gin.Engine
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	port io.WriteCloser
	path string
}

// NewServer creates a helper server
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	if opts.Baud == 0 {
		opts.Baud = 9600
	}
	if opts.Open == nil {
		opts.Open = printer.OpenDevice
	}
	if opts.List == nil {
		opts.List = printer.SerialCandidates
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		opts:   opts,
		logger: opts.Logger.Named("helper"),
	}

	router.GET("/status", s.handleStatus)
	router.GET("/ports", s.handlePorts)
	router.POST("/connect", s.handleConnect)
	router.POST("/print", s.handlePrint)
	router.POST("/disconnect", s.handleDisconnect)

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Ports lists candidate devices, USB-looking ones first
func (s *Server) Ports() []Port {
	var usb, other []Port
	for _, p := range s.opts.List() {
		if looksUSB(p) {
			usb = append(usb, Port{Path: p, USB: true})
		} else {
			other = append(other, Port{Path: p})
		}
	}
	return append(usb, other...)
}

// AutoConnect opens the first USB-looking port, or the first port at all
func (s *Server) AutoConnect() error {
	ports := s.Ports()
	if len(ports) == 0 {
		return errors.New("no serial ports detected")
	}
	return s.Connect(ports[0].Path, 0)
}

// Connect opens path, closing any previous port
func (s *Server) Connect(path string, baud int) error {
	if baud == 0 {
		baud = s.opts.Baud
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		s.port.Close()
		s.port, s.path = nil, ""
	}

	port, err := s.opts.Open(path, baud)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	s.port, s.path = port, path
	s.logger.Info("connected to printer", zap.String("port", path), zap.Int("baud", baud))
	return nil
}

// Disconnect closes the open port and reports whether one was open
func (s *Server) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return false
	}
	s.port.Close()
	s.logger.Info("disconnected", zap.String("port", s.path))
	s.port, s.path = nil, ""
	return true
}

// Print writes data to the open port
func (s *Server) Print(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return 0, ErrNotConnected
	}
	n, err := s.port.Write(data)
	if err != nil {
		// the port is gone, force a reconnect
		s.port.Close()
		s.port, s.path = nil, ""
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	connected, path := s.port != nil, s.path
	s.mu.Unlock()

	c.JSON(200, printer.HelperStatus{
		Status:    "online",
		Connected: connected,
		Port:      path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePorts(c *gin.Context) {
	ports := s.Ports()
	if ports == nil {
		ports = []Port{}
	}
	c.JSON(200, gin.H{"success": true, "ports": ports})
}

func (s *Server) handleConnect(c *gin.Context) {
	var req struct {
		Port string `json:"port"`
		Baud int    `json:"baud"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Port == "" {
		c.JSON(400, gin.H{"success": false, "error": "port is required"})
		return
	}

	if err := s.Connect(req.Port, req.Baud); err != nil {
		s.logger.Warn("connect failed", zap.String("port", req.Port), zap.Error(err))
		c.JSON(500, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"success": true, "message": "connected to " + req.Port, "port": req.Port})
}

func (s *Server) handlePrint(c *gin.Context) {
	var data []byte

	contentType := c.ContentType()
	switch {
	case contentType == "application/json":
		var req struct {
			Data string `json:"data"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Data == "" {
			c.JSON(400, gin.H{"success": false, "error": `field "data" (base64) is required`})
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(400, gin.H{"success": false, "error": "data must be base64"})
			return
		}
		data = decoded
	case contentType == "application/octet-stream":
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
		if err != nil {
			c.JSON(400, gin.H{"success": false, "error": "failed to read body"})
			return
		}
		data = raw
	default:
		c.JSON(400, gin.H{"success": false, "error": "Content-Type must be application/json or application/octet-stream"})
		return
	}

	n, err := s.Print(data)
	if errors.Is(err, ErrNotConnected) {
		c.JSON(503, gin.H{"success": false, "error": "printer not connected, POST /connect first"})
		return
	}
	if err != nil {
		s.logger.Error("print failed", zap.Error(err))
		c.JSON(500, gin.H{"success": false, "error": err.Error()})
		return
	}

	s.logger.Info("print sent", zap.Int("bytes", n))
	c.JSON(200, gin.H{"success": true, "message": "print sent", "bytesSent": n})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if s.Disconnect() {
		c.JSON(200, gin.H{"success": true, "message": "disconnected"})
		return
	}
	c.JSON(200, gin.H{"success": false, "message": "already disconnected"})
}

func looksUSB(path string) bool {
	return strings.Contains(path, "USB") || strings.Contains(path, "ACM") || strings.Contains(path, "/usb/")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
