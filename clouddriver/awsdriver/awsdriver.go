// Package awsdriver implements clouddriver.Driver against AWS EC2, using
// aws-sdk-go-v2 for instance/security-group/keypair operations and
// golang.org/x/crypto/ssh for bootstrap script execution.
package awsdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/internal/engineerr"
)

// defaultRequestsPerSecond and defaultBurst approximate the per-region EC2
// API throttle (RunInstances/DescribeInstances share a bucket well under
// this in practice, but the shared per-connector limiter only needs to keep
// one runaway reconcile loop from tripping AWS-side throttling).
const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 20
)

// Driver is the AWS EC2-backed clouddriver.Driver implementation.
type Driver struct {
	ec2     *ec2.Client
	region  string
	limiter *rate.Limiter
}

// New constructs a Driver scoped to one CloudConnector's region and static
// credentials. It satisfies clouddriver.Factory.
func New(region, accessKey, secretKey string) (clouddriver.Driver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CloudAuth, "aws: load config", err)
	}
	return &Driver{
		ec2:     ec2.NewFromConfig(cfg),
		region:  region,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}, nil
}

// throttle blocks until this connector's outbound EC2 call budget allows one
// more request, bounded by ctx. Every EC2-calling method goes through this,
// except the WaitRunning waiter and the ValidateAccount dry-run probes, so
// one connector's reconcile storm can't trip AWS-side throttling for the
// rest of the fleet sharing it.
func (d *Driver) throttle(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return engineerr.Wrap(engineerr.CloudTransient, "aws: rate limiter", err)
	}
	return nil
}

func (d *Driver) CreateKeypair(ctx context.Context, name string) (string, string, error) {
	if err := d.throttle(ctx); err != nil {
		return "", "", err
	}
	out, err := d.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{KeyName: aws.String(name)})
	if err != nil {
		return "", "", classify(err, "create keypair")
	}
	return aws.ToString(out.KeyFingerprint), aws.ToString(out.KeyMaterial), nil
}

func (d *Driver) DeleteKeypair(ctx context.Context, name string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	if err != nil {
		return classify(err, "delete keypair")
	}
	return nil
}

func (d *Driver) CreateInstance(ctx context.Context, params clouddriver.CreateInstanceParams) (string, error) {
	if err := d.throttle(ctx); err != nil {
		return "", err
	}
	var tags []types.Tag
	for k, v := range params.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	var groupIDs []string
	if params.SecurityGroupID != "" {
		groupIDs = []string{params.SecurityGroupID}
	}

	out, err := d.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(params.ImageIdentifier),
		InstanceType:     types.InstanceType(params.InstanceType),
		KeyName:          aws.String(params.KeyName),
		SecurityGroupIds: groupIDs,
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	})
	if err != nil {
		return "", classify(err, "run instances")
	}
	if len(out.Instances) == 0 {
		return "", engineerr.New(engineerr.ProvisioningFailure, "aws: run instances returned no instances")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (d *Driver) WaitRunning(ctx context.Context, instanceID string) error {
	waiter := ec2.NewInstanceRunningWaiter(d.ec2)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, 5*time.Minute)
	if err != nil {
		return classify(err, "wait running")
	}
	return nil
}

func (d *Driver) DescribeIP(ctx context.Context, instanceID string) (string, bool, error) {
	if err := d.throttle(ctx); err != nil {
		return "", false, err
	}
	out, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", false, classify(err, "describe instances")
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			ip := aws.ToString(inst.PublicIpAddress)
			if ip == "" {
				return "", true, nil
			}
			return ip, false, nil
		}
	}
	return "", false, engineerr.New(engineerr.ResourceNotFound, "aws: instance not found")
}

func (d *Driver) StopInstance(ctx context.Context, instanceID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return classify(err, "stop instances")
	}
	return nil
}

func (d *Driver) StartInstance(ctx context.Context, instanceID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return classify(err, "start instances")
	}
	return nil
}

func (d *Driver) TerminateInstance(ctx context.Context, instanceID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return classify(err, "terminate instances")
	}
	return nil
}

// WaitTerminated polls describe-instances every 5 seconds until the instance
// reports terminated or timeout seconds have passed, then returns
// StillStopping; the Termination Pipeline (C7) owns the longer backoff
// across calls, since a stopping instance can take minutes to terminate.
func (d *Driver) WaitTerminated(ctx context.Context, instanceID string, timeout int) (clouddriver.TerminateWaitStatus, error) {
	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for {
		if err := d.throttle(ctx); err != nil {
			return "", err
		}
		out, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return "", classify(err, "describe instances")
		}
		if len(out.Reservations) > 0 && len(out.Reservations[0].Instances) > 0 {
			state := out.Reservations[0].Instances[0].State.Name
			if state == types.InstanceStateNameTerminated {
				return clouddriver.Terminated, nil
			}
		}
		if time.Now().After(deadline) {
			return clouddriver.StillStopping, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (d *Driver) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	if err := d.throttle(ctx); err != nil {
		return "", err
	}
	out, err := d.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
	})
	if err != nil {
		return "", classify(err, "create security group")
	}
	return aws.ToString(out.GroupId), nil
}

func (d *Driver) AuthorizeIngress(ctx context.Context, groupID string, rule clouddriver.IngressRule) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []types.IpPermission{
			{
				IpProtocol: aws.String(rule.Protocol),
				FromPort:   aws.Int32(int32(rule.FromPort)),
				ToPort:     aws.Int32(int32(rule.ToPort)),
				IpRanges:   []types.IpRange{{CidrIp: aws.String(rule.CIDR)}},
			},
		},
	})
	if err != nil {
		return classify(err, "authorize ingress")
	}
	return nil
}

func (d *Driver) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)})
	if err != nil {
		return classify(err, "delete security group")
	}
	return nil
}

func (d *Driver) TagResource(ctx context.Context, resourceID string, tags map[string]string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	var ec2Tags []types.Tag
	for k, v := range tags {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := d.ec2.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{resourceID}, Tags: ec2Tags})
	if err != nil {
		return classify(err, "tag resource")
	}
	return nil
}

// SSHRunScript executes script on the instance over SSH as the default
// bootstrap user, matching the connect-and-exec pattern bootstrap and
// claim scripts rely on (§4.4, §4.5).
func (d *Driver) SSHRunScript(ctx context.Context, ip, privateKey, script string) (clouddriver.SSHResult, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return clouddriver.SSHResult{}, engineerr.Wrap(engineerr.ScriptFailure, "aws: parse private key", err)
	}

	cfg := &ssh.ClientConfig{
		User:            "ubuntu",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:22", ip))
	if err != nil {
		return clouddriver.SSHResult{}, engineerr.Wrap(engineerr.CloudTransient, "aws: ssh dial", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, ip, cfg)
	if err != nil {
		return clouddriver.SSHResult{}, engineerr.Wrap(engineerr.CloudTransient, "aws: ssh handshake", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return clouddriver.SSHResult{}, engineerr.Wrap(engineerr.ScriptFailure, "aws: ssh session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	exitCode := 0
	if err := session.Run(script); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return clouddriver.SSHResult{}, engineerr.Wrap(engineerr.ScriptFailure, "aws: ssh run", err)
		}
	}

	return clouddriver.SSHResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func (d *Driver) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	if err := d.throttle(ctx); err != nil {
		return "", err
	}
	out, err := d.ec2.CreateImage(ctx, &ec2.CreateImageInput{InstanceId: aws.String(instanceID), Name: aws.String(name)})
	if err != nil {
		return "", classify(err, "create image")
	}
	return aws.ToString(out.ImageId), nil
}

func (d *Driver) DeregisterImage(ctx context.Context, imageID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	_, err := d.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(imageID)})
	if err != nil {
		return classify(err, "deregister image")
	}
	return nil
}

func (d *Driver) WaitImageAvailable(ctx context.Context, imageID string, retries int, delaySeconds int) error {
	for attempt := 0; attempt < retries; attempt++ {
		if err := d.throttle(ctx); err != nil {
			return err
		}
		out, err := d.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
		if err != nil {
			return classify(err, "describe images")
		}
		if len(out.Images) > 0 && out.Images[0].State == types.ImageStateAvailable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delaySeconds) * time.Second):
		}
	}
	return engineerr.New(engineerr.ProvisioningFailure, "aws: image did not become available in time")
}

// dryRunOperation is a probe executed with DryRun:true to test whether the
// configured credentials carry a given IAM action, grounded on the
// dry-run-everything approach to cloud-account validation.
type dryRunOperation struct {
	action string
	probe  func(ctx context.Context) error
}

// ValidateAccount performs dry runs of the operations the engine depends on
// and reports which ones the credentials are denied for (§4.8).
func (d *Driver) ValidateAccount(ctx context.Context) (clouddriver.AccountValidation, error) {
	ops := []dryRunOperation{
		{"ec2:RunInstances", func(ctx context.Context) error {
			_, err := d.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
				DryRun: aws.Bool(true), ImageId: aws.String("ami-00000000"),
				InstanceType: types.InstanceTypeT2Micro, MinCount: aws.Int32(1), MaxCount: aws.Int32(1),
			})
			return err
		}},
		{"ec2:DescribeInstances", func(ctx context.Context) error {
			_, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{DryRun: aws.Bool(true)})
			return err
		}},
		{"ec2:TerminateInstances", func(ctx context.Context) error {
			_, err := d.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				DryRun: aws.Bool(true), InstanceIds: []string{"i-00000000000000000"},
			})
			return err
		}},
		{"ec2:DescribeKeyPairs", func(ctx context.Context) error {
			_, err := d.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{DryRun: aws.Bool(true)})
			return err
		}},
		{"ec2:CreateKeyPair", func(ctx context.Context) error {
			_, err := d.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{DryRun: aws.Bool(true), KeyName: aws.String("validate-probe")})
			return err
		}},
		{"ec2:CreateSecurityGroup", func(ctx context.Context) error {
			_, err := d.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
				DryRun: aws.Bool(true), GroupName: aws.String("validate-probe"), Description: aws.String("validate-probe"),
			})
			return err
		}},
	}

	var denied []string
	for _, op := range ops {
		err := op.probe(ctx)
		if err == nil {
			continue
		}
		if isDryRunSuccess(err) {
			continue
		}
		if isAuthFailure(err) {
			return clouddriver.AccountValidation{
				Status:        clouddriver.ValidationFailed,
				DeniedActions: []string{op.action},
				Message:       fmt.Sprintf("authentication failed: %v", err),
			}, nil
		}
		if !isResourceNotFound(err) {
			denied = append(denied, op.action)
		}
	}

	if len(denied) == 0 {
		return clouddriver.AccountValidation{Status: clouddriver.ValidationOK, Message: "all required permissions are available"}, nil
	}
	return clouddriver.AccountValidation{
		Status:        clouddriver.ValidationFailed,
		DeniedActions: denied,
		Message:       fmt.Sprintf("missing permissions: %s", strings.Join(denied, ", ")),
	}, nil
}

func isDryRunSuccess(err error) bool {
	return strings.Contains(err.Error(), "DryRunOperation")
}

// errorCode pulls the EC2 error code (e.g. "UnauthorizedOperation",
// "RequestLimitExceeded") out of err. The SDK normally exposes this through
// smithy's APIError interface; a raw HTTP/IMDS failure has no such type but
// still often carries the service's JSON error body as the wrapped message,
// so that's extracted with a cheap gjson lookup rather than a second full
// unmarshal.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, '{'); idx >= 0 {
		if code := gjson.Get(msg[idx:], "Code"); code.Exists() {
			return code.String()
		}
		if code := gjson.Get(msg[idx:], "Error.Code"); code.Exists() {
			return code.String()
		}
	}
	return ""
}

func isAuthFailure(err error) bool {
	switch errorCode(err) {
	case "UnauthorizedOperation", "AuthFailure", "InvalidClientTokenId", "SignatureDoesNotMatch", "AccessDenied", "AccessDeniedException":
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"unauthorized", "accessdenied", "authfailure", "invalidclienttokenid", "signaturenotmatch", "authorizationfailure"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func isResourceNotFound(err error) bool {
	switch errorCode(err) {
	case "InvalidInstanceID.NotFound", "InvalidGroup.NotFound", "InvalidKeyPair.NotFound", "InvalidAMIID.NotFound":
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"notfound", "not found", "does not exist", "nonexistent"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// classify maps an AWS SDK error into the engine's abstract error kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isAuthFailure(err) {
		return engineerr.Wrap(engineerr.CloudAuth, "aws: "+op, err)
	}
	if isResourceNotFound(err) {
		return engineerr.Wrap(engineerr.ResourceNotFound, "aws: "+op, err)
	}
	return engineerr.Wrap(engineerr.CloudTransient, "aws: "+op, err)
}
