package spawn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"opensprint/internal/agentrunner"
)

// K8sSpawner runs one agent invocation as a single-shot Kubernetes Job,
// adapted from the teacher's spawner_k8s.go: RestartPolicy Never,
// BackoffLimit 0 (the Retry Engine owns retries, not Kubernetes), secrets
// pulled from an EnvFrom secretRef rather than plaintext env. Unlike the
// teacher's fire-and-create-and-return model (which relied on a
// poller to notice job completion later), Run here blocks the caller and
// polls the Job directly so it can participate in the same
// Spawner/agentrunner.Result contract as the other backends.
type K8sSpawner struct {
	Client     *kubernetes.Clientset
	Namespace  string
	Image      string
	PullPolicy corev1.PullPolicy
	SecretName string
	PollEvery  time.Duration
	Logger     *slog.Logger
}

func NewK8sSpawner(image, namespace, secretName string, pullPolicy corev1.PullPolicy, logger *slog.Logger) (*K8sSpawner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		} else {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("spawn: load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("spawn: build k8s client: %w", err)
	}

	if namespace == "" {
		namespace = "default"
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = strings.TrimSpace(string(data))
		}
	}
	if secretName == "" {
		secretName = "opensprint-agent-secrets"
	}

	return &K8sSpawner{
		Client:     clientset,
		Namespace:  namespace,
		Image:      image,
		PullPolicy: pullPolicy,
		SecretName: secretName,
		PollEvery:  3 * time.Second,
		Logger:     logger,
	}, nil
}

func (s *K8sSpawner) Run(ctx context.Context, req Request) agentrunner.Result {
	jobName := fmt.Sprintf("opensprint-agent-%s", sanitizeK8sName(req.TaskID))

	if err := s.deleteExisting(ctx, jobName); err != nil {
		return agentrunner.Result{Outcome: agentrunner.OutcomeSpawnError, Err: err}
	}

	job := s.buildJob(jobName, req)
	if _, err := s.Client.BatchV1().Jobs(s.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return agentrunner.Result{Outcome: agentrunner.OutcomeSpawnError, Err: fmt.Errorf("spawn: create job: %w", err)}
	}
	s.Logger.Info("k8s job created", "name", jobName, "task", req.TaskID)

	defer s.cleanup(jobName)

	pollEvery := s.PollEvery
	if pollEvery <= 0 {
		pollEvery = 3 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case <-ticker.C:
			j, err := s.Client.BatchV1().Jobs(s.Namespace).Get(ctx, jobName, metav1.GetOptions{})
			if err != nil {
				continue
			}
			if j.Status.Succeeded > 0 {
				lines := s.fetchLogs(ctx, jobName)
				s.emit(req, lines)
				return agentrunner.Result{Outcome: agentrunner.OutcomeExit, ExitCode: 0, Output: lines}
			}
			if j.Status.Failed > 0 {
				lines := s.fetchLogs(ctx, jobName)
				s.emit(req, lines)
				return agentrunner.Result{Outcome: agentrunner.OutcomeExit, ExitCode: 1, Output: lines}
			}

		case <-timeoutCh:
			return agentrunner.Result{Outcome: agentrunner.OutcomeTimeout, Output: s.fetchLogs(context.Background(), jobName)}

		case <-ctx.Done():
			return agentrunner.Result{Outcome: agentrunner.OutcomeCancelled, Output: s.fetchLogs(context.Background(), jobName)}
		}
	}
}

func (s *K8sSpawner) deleteExisting(ctx context.Context, jobName string) error {
	_, err := s.Client.BatchV1().Jobs(s.Namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return nil // not found, nothing to clean up
	}
	delPolicy := metav1.DeletePropagationBackground
	if err := s.Client.BatchV1().Jobs(s.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &delPolicy}); err != nil {
		return fmt.Errorf("spawn: delete stale job %s: %w", jobName, err)
	}
	return nil
}

func (s *K8sSpawner) cleanup(jobName string) {
	delPolicy := metav1.DeletePropagationBackground
	if err := s.Client.BatchV1().Jobs(s.Namespace).Delete(context.Background(), jobName, metav1.DeleteOptions{PropagationPolicy: &delPolicy}); err != nil {
		s.Logger.Warn("failed to clean up k8s job", "name", jobName, "error", err)
	}
}

func (s *K8sSpawner) buildJob(jobName string, req Request) *batchv1.Job {
	ttl := int32(3600)
	backoff := int32(0)

	var envVars []corev1.EnvVar
	for k, v := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	envFrom := []corev1.EnvFromSource{
		{SecretRef: &corev1.SecretEnvSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: s.SecretName},
			Optional:             boolPtr(true),
		}},
	}

	cmd := append([]string{req.Command}, req.Args...)
	shellCmd := "cd /workspace && " + strings.Join(cmd, " ")

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": "opensprint-agent", "task": req.TaskID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					EnableServiceLinks: boolPtr(false),
					Containers: []corev1.Container{
						{
							Name:            "agent",
							Image:           s.Image,
							ImagePullPolicy: s.PullPolicy,
							Command:         []string{"/bin/sh", "-c"},
							Args:            []string{shellCmd},
							Env:             envVars,
							EnvFrom:         envFrom,
							WorkingDir:      "/workspace",
						},
					},
				},
			},
		},
	}
}

func (s *K8sSpawner) fetchLogs(ctx context.Context, jobName string) []string {
	pods, err := s.Client.CoreV1().Pods(s.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return nil
	}
	req := s.Client.CoreV1().Pods(s.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil
	}
	return splitLines(string(data))
}

func (s *K8sSpawner) emit(req Request, lines []string) {
	if req.OutputCallback == nil {
		return
	}
	for _, l := range lines {
		req.OutputCallback(l)
	}
}

func boolPtr(b bool) *bool { return &b }

var k8sNameSanitizerRegex = regexp.MustCompile("[^a-z0-9]+")

func sanitizeK8sName(name string) string {
	name = strings.ToLower(name)
	name = k8sNameSanitizerRegex.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
