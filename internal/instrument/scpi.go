// Package instrument 实现测试仪器的 SCPI/TCP 客户端
// 每个工位挂一台可编程电源和一台电子负载，行协议、换行结尾
package instrument

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Conn 单台仪器的 TCP 连接，串行化命令收发
// 任一错误后关闭连接，下次命令前自动重连
type Conn struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewConn 创建仪器连接 (惰性，不立即拨号)
func NewConn(addr string, timeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		addr:    addr,
		timeout: timeout,
		logger:  logger.With("instrument_addr", addr),
	}
}

func (c *Conn) ensure(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("连接仪器 %s 失败: %w", c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.logger.Info("仪器连接建立")
	return nil
}

func (c *Conn) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Send 发送无响应命令
func (c *Conn) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, cmd)
}

// Query 发送查询命令并读取单行响应
func (c *Conn) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(ctx, cmd); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		c.drop()
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		// 连接状态不可信，丢弃重连
		c.drop()
		return "", fmt.Errorf("读取仪器 %s 响应失败: %w", c.addr, err)
	}
	return strings.TrimSpace(line), nil
}

// QueryFloat 查询并解析数值响应
func (c *Conn) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	resp, err := c.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("仪器 %s 响应 %q 不是数值: %w", c.addr, resp, err)
	}
	return v, nil
}

func (c *Conn) write(ctx context.Context, cmd string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		c.drop()
		return err
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		c.drop()
		return fmt.Errorf("发送命令 %q 到 %s 失败: %w", cmd, c.addr, err)
	}
	return nil
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
