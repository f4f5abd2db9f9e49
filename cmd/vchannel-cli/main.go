package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/junbin-yang/vchannel-go/pkg/plugin"
	"github.com/junbin-yang/vchannel-go/pkg/svc"
	"github.com/junbin-yang/vchannel-go/pkg/transport"
	"github.com/junbin-yang/vchannel-go/pkg/utils/config"
	"github.com/junbin-yang/vchannel-go/pkg/utils/logger"
	"github.com/junbin-yang/vchannel-go/pkg/utils/metrics"
	"github.com/junbin-yang/vchannel-go/pkg/vchannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 两端按相同顺序注册的静态通道
const echoChannel = "echo"

const readyTimeout = 5 * time.Second

var (
	mode       = flag.String("mode", "client", "运行模式: server 或 client")
	configFile = flag.String("config", "", "配置文件路径，默认查找可执行文件目录或/etc下的 vchannel.yml")
	addr       = flag.String("addr", "", "监听或连接地址，默认使用配置中的 listen")
)

// printHandler 把通道上收到的数据和事件打印到终端
type printHandler struct {
	name string
}

func (h *printHandler) OnOpen(plugin.Channel) error { return nil }

func (h *printHandler) OnData(data []byte) error {
	fmt.Printf("\n>>> [%s] 收到 %d 字节: %s\n", h.name, len(data), string(data))
	fmt.Print("vchannel> ")
	return nil
}

func (h *printHandler) OnEvent(ev plugin.Event) {
	switch e := ev.(type) {
	case plugin.EventOpened:
		fmt.Printf("\n>>> [%s] 通道已打开\n", h.name)
	case plugin.EventOpenFailed, plugin.EventWriteCancelled, plugin.EventError:
		fmt.Printf("\n>>> [%s] %v\n", h.name, e)
	default:
		return
	}
	fmt.Print("vchannel> ")
}

func (h *printHandler) OnClose() {
	logger.Debugf("[CLI] channel %s closed", h.name)
}

// echoHandler 原样回发收到的数据
type echoHandler struct {
	name string
	ch   plugin.Channel
}

func (h *echoHandler) OnOpen(ch plugin.Channel) error {
	h.ch = ch
	return nil
}

func (h *echoHandler) OnData(data []byte) error {
	logger.Debugf("[CLI] echo %d bytes on %s", len(data), h.name)
	return h.ch.Send(data, nil)
}

func (h *echoHandler) OnEvent(ev plugin.Event) {
	if e, ok := ev.(plugin.EventError); ok {
		logger.Warnf("[CLI] echo channel %s: %v", h.name, e.Err)
	}
}

func (h *echoHandler) OnClose() {}

func managerOptions(conf *config.Config, mt *metrics.Metrics, role vchannel.Role) []vchannel.Option {
	return []vchannel.Option{
		vchannel.WithRole(role),
		vchannel.WithChunkLength(conf.ChunkLength),
		vchannel.WithQueueDepth(conf.QueueDepth),
		vchannel.WithMaxMessageSize(conf.MaxMessageSize),
		vchannel.WithMetrics(mt),
	}
}

func connOptions(conf *config.Config) []transport.ConnOption {
	return []transport.ConnOption{
		transport.WithBufferSize(conf.RingBufferSize),
	}
}

// startMetrics 启用时注册指标并在独立端口提供 /metrics
func startMetrics(conf *config.Config) (*metrics.Metrics, *http.Server) {
	if !conf.Metrics.Enabled {
		return nil, nil
	}
	mt := metrics.NewMetrics()
	if err := mt.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warnf("[CLI] register metrics: %v", err)
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: conf.Metrics.Listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[CLI] metrics server: %v", err)
		}
	}()
	logger.Infof("[CLI] metrics on http://%s/metrics", conf.Metrics.Listen)
	return mt, srv
}

// serve 服务端模式：每个入站连接一个虚拟通道管理器，静态和动态echo通道原样回发
func serve(conf *config.Config, mt *metrics.Metrics, listen string) error {
	srv, err := transport.Listen(listen, conf.MaxConnections, func(ctx context.Context, c *transport.Conn) {
		serveConn(ctx, conf, mt, c)
	}, connOptions(conf)...)
	if err != nil {
		return err
	}
	fmt.Printf("vchannel echo 服务已启动: %s\n", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\n收到中断信号，正在关闭...")
	return srv.Close()
}

func serveConn(ctx context.Context, conf *config.Config, mt *metrics.Metrics, c *transport.Conn) {
	peer := c.RemoteAddr().String()
	vcm, err := vchannel.New(managerOptions(conf, mt, vchannel.RoleClient)...)
	if err != nil {
		logger.Errorf("[CLI] %s: %v", peer, err)
		return
	}
	defer func() {
		if err := vcm.Disconnect(); err != nil {
			logger.Warnf("[CLI] %s disconnect: %v", peer, err)
		}
	}()

	if _, err := vcm.RegisterStaticChannel(echoChannel, svc.OptionInitialized, &echoHandler{name: echoChannel}); err != nil {
		logger.Errorf("[CLI] %s: %v", peer, err)
		return
	}
	err = vcm.ListenDynamicChannel(echoChannel, func() plugin.ChannelHandler {
		return &echoHandler{name: "dvc:" + echoChannel}
	})
	if err != nil {
		logger.Errorf("[CLI] %s: %v", peer, err)
		return
	}
	if err := vcm.Connect(ctx, c, peer); err != nil {
		logger.Errorf("[CLI] %s: %v", peer, err)
		return
	}
	logger.Infof("[CLI] session %s from %s", vcm.ID(), peer)
	if err := vcm.Run(ctx); err != nil {
		logger.Infof("[CLI] session %s ended: %v", vcm.ID(), err)
	}
}

// CLI 客户端模式的交互工具
type CLI struct {
	conf    *config.Config
	metrics *metrics.Metrics
	vcm     *vchannel.Manager
	static  vchannel.ChannelHandle

	mu      sync.Mutex
	dynamic map[string]vchannel.ChannelHandle

	runErr       chan error
	shutdownOnce sync.Once
}

// NewCLI 创建CLI实例
func NewCLI(conf *config.Config, mt *metrics.Metrics) *CLI {
	return &CLI{
		conf:    conf,
		metrics: mt,
		dynamic: make(map[string]vchannel.ChannelHandle),
		runErr:  make(chan error, 1),
	}
}

// Initialize 连接服务端，注册静态通道并等待动态通道就绪
func (c *CLI) Initialize(target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, target, connOptions(c.conf)...)
	if err != nil {
		return err
	}
	vcm, err := vchannel.New(managerOptions(c.conf, c.metrics, vchannel.RoleServer)...)
	if err != nil {
		conn.Close()
		return err
	}
	c.vcm = vcm

	c.static, err = vcm.RegisterStaticChannel(echoChannel, svc.OptionInitialized, &printHandler{name: echoChannel})
	if err != nil {
		conn.Close()
		return err
	}
	if err := vcm.Connect(ctx, conn, target); err != nil {
		conn.Close()
		return err
	}
	go func() { c.runErr <- vcm.Run(context.Background()) }()

	rctx, rcancel := context.WithTimeout(context.Background(), readyTimeout)
	defer rcancel()
	if err := vcm.WaitReady(rctx); err != nil {
		logger.Warnf("[CLI] dynamic channels not ready: %v", err)
	}
	logger.Infof("[CLI] connected to %s, session %s", target, vcm.ID())
	return nil
}

// Shutdown 断开连接；可重复调用
func (c *CLI) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.vcm == nil {
			return
		}
		logger.Info("[CLI] 正在关闭...")
		if err := c.vcm.Disconnect(); err != nil {
			logger.Warnf("[CLI] disconnect: %v", err)
		}
		logger.Info("[CLI] 已关闭")
	})
}

// Open 打开动态通道
func (c *CLI) Open(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dynamic[name]; ok {
		return fmt.Errorf("动态通道 %s 已打开", name)
	}
	h, err := c.vcm.OpenDynamicChannel(name, &printHandler{name: "dvc:" + name})
	if err != nil {
		return err
	}
	c.dynamic[name] = h
	fmt.Printf("已发送创建请求: %s\n", h)
	return nil
}

// Send 在静态echo通道上发送消息
func (c *CLI) Send(message string) error {
	return c.vcm.Send(c.static, []byte(message), nil)
}

// SendDynamic 在动态通道上发送消息
func (c *CLI) SendDynamic(name, message string) error {
	c.mu.Lock()
	h, ok := c.dynamic[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("未打开的动态通道: %s", name)
	}
	return c.vcm.Send(h, []byte(message), nil)
}

// Close 关闭动态通道
func (c *CLI) Close(name string) error {
	c.mu.Lock()
	h, ok := c.dynamic[name]
	delete(c.dynamic, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("未打开的动态通道: %s", name)
	}
	return c.vcm.Close(h)
}

// List 列出静态通道和动态通道
func (c *CLI) List() {
	fmt.Println("静态通道:")
	for _, ch := range c.vcm.Registry().Channels() {
		fmt.Printf("  %-8s id=%d options=0x%08x\n", ch.Name, ch.ChannelID, ch.Options)
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.dynamic))
	for name := range c.dynamic {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	fmt.Println("动态通道:")
	for _, name := range names {
		c.mu.Lock()
		h := c.dynamic[name]
		c.mu.Unlock()
		st, _ := c.vcm.DynamicState(h)
		fmt.Printf("  %-8s id=%d state=%s\n", name, h.ID, st)
	}
}

// InteractiveMode 交互式模式
func (c *CLI) InteractiveMode() {
	fmt.Println("\n===========================================")
	fmt.Println("    虚拟通道命令行工具 (交互模式)")
	fmt.Printf("    会话ID: %s\n", c.vcm.ID())
	fmt.Println("===========================================")
	fmt.Println("\n输入 'help' 查看可用命令")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("\nvchannel> ")
		var line string
		select {
		case err := <-c.runErr:
			fmt.Printf("\n连接已断开: %v\n", err)
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "help", "h":
			c.printHelp()

		case "list":
			c.List()

		case "send":
			if len(parts) < 2 {
				fmt.Println("用法: send <消息>")
				continue
			}
			if err := c.Send(strings.Join(parts[1:], " ")); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "open":
			if len(parts) < 2 {
				fmt.Println("用法: open <通道名>")
				continue
			}
			if err := c.Open(parts[1]); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "dsend":
			if len(parts) < 3 {
				fmt.Println("用法: dsend <通道名> <消息>")
				continue
			}
			if err := c.SendDynamic(parts[1], strings.Join(parts[2:], " ")); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "close":
			if len(parts) < 2 {
				fmt.Println("用法: close <通道名>")
				continue
			}
			if err := c.Close(parts[1]); err != nil {
				fmt.Printf("错误: %v\n", err)
			}

		case "exit", "quit", "q":
			fmt.Println("再见！")
			return

		default:
			fmt.Printf("未知命令: %s (输入 'help' 查看帮助)\n", parts[0])
		}
	}
}

// printHelp 打印帮助信息
func (c *CLI) printHelp() {
	fmt.Println("\n可用命令:")
	fmt.Println("  help, h                 - 显示此帮助")
	fmt.Println("  list                    - 列出静态通道和动态通道")
	fmt.Println("  send <消息>             - 在静态echo通道上发送消息")
	fmt.Println("  open <通道名>           - 打开动态通道（服务端提供 echo）")
	fmt.Println("  dsend <通道名> <消息>   - 在动态通道上发送消息")
	fmt.Println("  close <通道名>          - 关闭动态通道")
	fmt.Println("  exit, quit, q           - 退出程序")
	fmt.Println()
}

func main() {
	config.Usage()
	flag.Parse()

	var conf *config.Config
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			os.Exit(1)
		}
		conf.ApplyLogger()
	} else {
		conf = config.Parse()
	}
	defer logger.Sync()

	target := conf.Listen
	if *addr != "" {
		target = *addr
	}

	mt, metricsSrv := startMetrics(conf)
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	switch *mode {
	case "server":
		if err := serve(conf, mt, target); err != nil {
			fmt.Printf("服务端运行失败: %v\n", err)
			os.Exit(1)
		}
		return
	case "client":
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(2)
	}

	cli := NewCLI(conf, mt)
	if err := cli.Initialize(target); err != nil {
		fmt.Printf("初始化失败: %v\n", err)
		os.Exit(1)
	}

	// 设置信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cli.Shutdown()
		os.Exit(0)
	}()

	defer cli.Shutdown()
	cli.InteractiveMode()
}
