package ec2

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/pkg/logger"
)

// Controller 管理承载证明服务的 EC2 实例的启停。
type Controller struct {
	client     ec2iface.EC2API
	instanceID string
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	ipAddress string
}

// NewController 创建控制器并读取实例当前状态。
func NewController(ctx context.Context, region, instanceID string) (*Controller, error) {
	if region == "" || instanceID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "ec2 region 与 instance_id 不能为空")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 AWS session 失败")
	}
	c := newController(ec2.New(sess), instanceID)
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newController(client ec2iface.EC2API, instanceID string) *Controller {
	return &Controller{
		client:     client,
		instanceID: instanceID,
		logger:     logger.Named("ec2-controller").With("instance_id", instanceID),
	}
}

// IPAddress 返回实例的私有 IP。
func (c *Controller) IPAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipAddress
}

// Running 返回最近一次观察到的运行状态。
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Refresh 查询实例状态与私有 IP。
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Controller) refreshLocked(ctx context.Context) error {
	output, err := c.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIDs()})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProverUnavailable, err, "查询 EC2 实例失败")
	}
	if len(output.Reservations) == 0 || len(output.Reservations[0].Instances) == 0 {
		return xerrors.New(xerrors.CodeNotFound, "EC2 实例不存在",
			xerrors.WithMetadata("instance_id", c.instanceID))
	}
	instance := output.Reservations[0].Instances[0]
	state := ""
	if instance.State != nil {
		state = aws.StringValue(instance.State.Name)
	}
	c.running = state == ec2.InstanceStateNameRunning || state == ec2.InstanceStateNamePending
	for _, networkInterface := range instance.NetworkInterfaces {
		for _, address := range networkInterface.PrivateIpAddresses {
			if ip := aws.StringValue(address.PrivateIpAddress); ip != "" {
				c.ipAddress = ip
			}
		}
	}
	if c.ipAddress == "" {
		c.ipAddress = aws.StringValue(instance.PrivateIpAddress)
	}
	return nil
}

// StartIfNotRunning 启动实例并等待其进入 running 状态。
func (c *Controller) StartIfNotRunning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.logger.Info("starting prover instance")
	if _, err := c.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: c.instanceIDs()}); err != nil {
		return xerrors.Wrap(xerrors.CodeProverUnavailable, err, "启动 EC2 实例失败",
			xerrors.WithMetadata("instance_id", c.instanceID))
	}
	if err := c.client.WaitUntilInstanceRunningWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIDs()}); err != nil {
		return xerrors.Wrap(xerrors.CodeProverUnavailable, err, "等待 EC2 实例启动失败",
			xerrors.WithMetadata("instance_id", c.instanceID))
	}
	return c.refreshLocked(ctx)
}

// StopIfRunning 停止实例，失败只记录日志。
func (c *Controller) StopIfRunning(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if _, err := c.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{InstanceIds: c.instanceIDs()}); err != nil {
		c.logger.Error("failed to stop prover instance", slog.Any("error", err))
		return
	}
	c.running = false
	c.logger.Info("prover instance stopped")
}

func (c *Controller) instanceIDs() []*string { return []*string{aws.String(c.instanceID)} }
