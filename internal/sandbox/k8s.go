package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	sandboxContainer = "sandbox"
	logDir           = "/var/log/sandbox"
)

// Config holds the Kubernetes platform configuration.
type Config struct {
	Namespace    string
	Image        string
	RuntimeClass string        // optional isolation runtime (e.g. kata-qemu)
	ReadyWait    time.Duration // pod Running + IP, covers node provisioning
}

// K8sClient implements Client on a Kubernetes cluster: one long-lived pod per
// tenant, processes driven through the exec subresource.
type K8sClient struct {
	cs      kubernetes.Interface
	restCfg *rest.Config
	cfg     Config
}

func NewK8s(cs kubernetes.Interface, restCfg *rest.Config, cfg Config) *K8sClient {
	if cfg.Namespace == "" {
		cfg.Namespace = "tenants"
	}
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = 210 * time.Second
	}
	return &K8sClient{cs: cs, restCfg: restCfg, cfg: cfg}
}

// Ensure gets or creates the tenant's sandbox pod and waits until it is
// Running with an IP. AlreadyExists during create means another invocation
// won the race; both converge on the same pod. A pod in a terminal phase is
// replaced, since it can never return to Running and would otherwise wedge
// the tenant until someone deletes it by hand.
func (c *K8sClient) Ensure(ctx context.Context, tenantID string) (*Sandbox, error) {
	podName := Key(tenantID)
	pod, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
	switch {
	case errors.IsNotFound(err):
		_, err = c.cs.CoreV1().Pods(c.cfg.Namespace).Create(ctx, c.podSpec(tenantID), metav1.CreateOptions{})
		if err != nil && !errors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create sandbox pod: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("get sandbox pod: %w", err)
	case pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded:
		err = c.cs.CoreV1().Pods(c.cfg.Namespace).Delete(ctx, podName, metav1.DeleteOptions{
			GracePeriodSeconds: int64Ptr(0),
		})
		if err != nil && !errors.IsNotFound(err) {
			return nil, fmt.Errorf("replace terminal sandbox pod: %w", err)
		}
		_, err = c.cs.CoreV1().Pods(c.cfg.Namespace).Create(ctx, c.podSpec(tenantID), metav1.CreateOptions{})
		if err != nil && !errors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create sandbox pod: %w", err)
		}
	}

	ip, err := c.waitPodRunning(ctx, podName)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		TenantID:  tenantID,
		PodName:   podName,
		Namespace: c.cfg.Namespace,
		IP:        ip,
	}, nil
}

func (c *K8sClient) podSpec(tenantID string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      Key(tenantID),
			Namespace: c.cfg.Namespace,
			Labels: map[string]string{
				"app":    "sandbox",
				"tenant": tenantID,
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:    sandboxContainer,
					Image:   c.cfg.Image,
					Command: []string{"/bin/sleep", "infinity"},
					// s3fs needs FUSE; SYS_ADMIN covers the mount syscall.
					SecurityContext: &corev1.SecurityContext{
						Capabilities: &corev1.Capabilities{
							Add: []corev1.Capability{"SYS_ADMIN"},
						},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("100m"),
							corev1.ResourceMemory: resource.MustParse("384Mi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("1"),
							corev1.ResourceMemory: resource.MustParse("1Gi"),
						},
					},
				},
			},
			TerminationGracePeriodSeconds: int64Ptr(30),
		},
	}
	if c.cfg.RuntimeClass != "" {
		pod.Spec.RuntimeClassName = strPtr(c.cfg.RuntimeClass)
	}
	return pod
}

func (c *K8sClient) waitPodRunning(ctx context.Context, podName string) (string, error) {
	var ip string
	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, c.cfg.ReadyWait, true, func(ctx context.Context) (bool, error) {
		pod, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
			ip = pod.Status.PodIP
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("sandbox pod %s not running after %s: %w", podName, c.cfg.ReadyWait, err)
	}
	return ip, nil
}

// ListProcesses reads the sandbox's live process table.
func (c *K8sClient) ListProcesses(ctx context.Context, sb *Sandbox) ([]Process, error) {
	stdout, _, err := c.exec(ctx, sb.PodName, "ps -eo pid,stat,args --no-headers")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var procs []Process
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		status := StatusRunning
		if strings.Contains(fields[1], "Z") {
			status = StatusExited
		}
		procs = append(procs, Process{
			PID:     pid,
			Command: strings.Join(fields[2:], " "),
			Status:  status,
		})
	}
	return procs, nil
}

// StartProcess launches command detached inside the sandbox with the given
// environment. Output is captured to per-process files so it can be fetched
// later for diagnostics. Does not block for readiness.
func (c *K8sClient) StartProcess(ctx context.Context, sb *Sandbox, command string, env map[string]string) (*Process, error) {
	base := logBase(command)
	var envPrefix strings.Builder
	for k, v := range env {
		envPrefix.WriteString(k)
		envPrefix.WriteString("=")
		envPrefix.WriteString(shellQuote(v))
		envPrefix.WriteString(" ")
	}
	launch := fmt.Sprintf(
		"mkdir -p %s && nohup env %s%s >> %s/%s.out 2>> %s/%s.err & echo $!",
		logDir, envPrefix.String(), command, logDir, base, logDir, base,
	)
	stdout, stderr, err := c.exec(ctx, sb.PodName, launch)
	if err != nil {
		return nil, fmt.Errorf("start process: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return nil, fmt.Errorf("start process: parse pid from %q: %w", stdout, err)
	}
	return &Process{PID: pid, Command: command, Status: StatusStarting}, nil
}

// KillProcess force-kills a process. A process that already exited makes the
// kill fail; callers treat this as best-effort.
func (c *K8sClient) KillProcess(ctx context.Context, sb *Sandbox, proc *Process) error {
	_, stderr, err := c.exec(ctx, sb.PodName, fmt.Sprintf("kill -9 %d", proc.PID))
	if err != nil {
		return fmt.Errorf("kill pid %d: %w (stderr: %s)", proc.PID, err, strings.TrimSpace(stderr))
	}
	return nil
}

// ProcessLogs fetches the captured output of a process started through
// StartProcess.
func (c *K8sClient) ProcessLogs(ctx context.Context, sb *Sandbox, proc *Process) (Logs, error) {
	base := logBase(proc.Command)
	read := fmt.Sprintf(
		"tail -c 65536 %s/%s.out 2>/dev/null; echo '---STDERR---'; tail -c 65536 %s/%s.err 2>/dev/null",
		logDir, base, logDir, base,
	)
	stdout, _, err := c.exec(ctx, sb.PodName, read)
	if err != nil {
		return Logs{}, fmt.Errorf("fetch process logs: %w", err)
	}
	out, errOut, _ := strings.Cut(stdout, "---STDERR---\n")
	return Logs{Stdout: out, Stderr: errOut}, nil
}

// Exec runs a one-off command in the sandbox with a bounded timeout.
func (c *K8sClient) Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (Logs, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, stderr, err := c.exec(ctx, sb.PodName, command)
	return Logs{Stdout: stdout, Stderr: stderr}, err
}

// WaitForPort dials the sandbox's port until it accepts a connection or the
// timeout elapses.
func (c *K8sClient) WaitForPort(ctx context.Context, sb *Sandbox, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(sb.IP, strconv.Itoa(port))
	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return false, nil
		}
		conn.Close()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("port %d on %s not reachable after %s: %w", port, sb.PodName, timeout, err)
	}
	return nil
}

// Suspend deletes the sandbox pod. Already-absent pods are not an error.
func (c *K8sClient) Suspend(ctx context.Context, sb *Sandbox) error {
	err := c.cs.CoreV1().Pods(sb.Namespace).Delete(ctx, sb.PodName, metav1.DeleteOptions{
		GracePeriodSeconds: int64Ptr(30),
	})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *K8sClient) exec(ctx context.Context, podName, command string) (string, string, error) {
	req := c.cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(c.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sandboxContainer,
			Command:   []string{"/bin/sh", "-c", command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restCfg, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("exec setup: %w", err)
	}
	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("exec %q: %w", command, err)
	}
	return stdout.String(), stderr.String(), nil
}

// logBase derives a per-process log file name from the launcher command.
func logBase(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "proc"
	}
	base := path.Base(fields[0])
	var b strings.Builder
	for _, r := range base {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func strPtr(s string) *string { return &s }
func int64Ptr(i int64) *int64 { return &i }
