package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"golang.org/x/net/netutil"
)

// DialTimeout 默认连接超时
const DialTimeout = 5 * time.Second

// Handler 处理一个入站连接，返回后连接被关闭
type Handler func(ctx context.Context, c *Conn)

// Server 监听入站连接，每个连接在独立协程上交给 Handler
type Server struct {
	ln       net.Listener
	handler  Handler
	connOpts []ConnOption
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen 启动监听
// 参数：
//   - addr：监听地址，如 127.0.0.1:3390
//   - maxConns：同时处理的最大连接数，<=0 表示不限制
//   - handler：连接处理函数
func Listen(addr string, maxConns int, handler Handler, opts ...ConnOption) (*Server, error) {
	if handler == nil {
		return nil, errors.New("transport: nil handler")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:       ln,
		handler:  handler,
		connOpts: opts,
		log:      logger.Default(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
	}
	// 服务端沿用连接选项中的日志实例
	base := &Conn{log: s.log}
	for _, opt := range opts {
		opt(base)
	}
	s.log = base.log

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Infof("[TRANSPORT] listening on %s (max %d connections)", ln.Addr(), maxConns)
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close 停止监听，关闭所有连接并等待处理协程退出
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("[TRANSPORT] accept: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.serve(nc)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer s.wg.Done()

	c, err := NewConn(nc, s.connOpts...)
	if err != nil {
		s.log.Errorf("[TRANSPORT] %s: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debugf("[TRANSPORT] connection from %s", c.RemoteAddr())
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Debugf("[TRANSPORT] connection from %s closed", c.RemoteAddr())
	}()
	s.handler(s.ctx, c)
}

// Dial 连接到远端
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := NewConn(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}
