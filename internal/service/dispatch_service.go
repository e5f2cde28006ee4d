package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/pkg/metrics"
	"github.com/grok-ai/BeER/internal/pkg/tracing"
	"github.com/grok-ai/BeER/internal/repository"
)

const (
	// EnvVisibleDevices selects the GPUs the NVIDIA container runtime exposes to the job.
	EnvVisibleDevices = "NVIDIA_VISIBLE_DEVICES"
	// AuthorizedKeysPath is where the credential secret lands inside the job container.
	AuthorizedKeysPath = "/root/.ssh/authorized_keys"
	// SSHPort is the port the job image runs sshd on.
	SSHPort = 22

	labelJob       = "beer.job"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "beer-manager"

	containerName   = "job"
	volumeSSHKey    = "ssh-key"
	volumeWorkspace = "workspace"
)

// DispatchService turns job requests into time-boxed pods and reads them back.
type DispatchService interface {
	// Dispatch submits req on behalf of requester. The job runs for req.UserID, which defaults to
	// the requester; dispatching for someone else takes Admin.
	Dispatch(ctx context.Context, requester *models.User, req models.JobRequest) (*models.JobDescriptor, error)
	// ListJobs queries the orchestrator for the jobs labelled with userID.
	ListJobs(ctx context.Context, userID string) ([]models.JobDescriptor, error)
}

// DispatchOptions tunes job construction. Zero values pick the defaults.
type DispatchOptions struct {
	// VolumeMount is the container path of the per-user volume when a request names none.
	VolumeMount string
	// Now is the clock used for names and expiry.
	Now func() time.Time
	// PodTemplate, when set, is the base of every job pod. Manager labels, containers, volumes
	// and the hostname selector are layered on top of it.
	PodTemplate *corev1.PodTemplateSpec
	// MaxDurationHours caps expected_duration. Zero leaves only the time.Duration bound.
	MaxDurationHours int
}

type dispatchService struct {
	registry    repository.Registry
	orch        Orchestrator
	volumeMount string
	now         func() time.Time
	template    *corev1.PodTemplateSpec
	maxHours    int
	logger      *zap.Logger
}

func NewDispatchService(registry repository.Registry, orch Orchestrator, opts DispatchOptions, log *zap.Logger) DispatchService {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.VolumeMount == "" {
		opts.VolumeMount = models.DefaultVolumeMount
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxDurationHours <= 0 || opts.MaxDurationHours > models.MaxExpectedDurationHours {
		opts.MaxDurationHours = models.MaxExpectedDurationHours
	}
	return &dispatchService{
		registry:    registry,
		orch:        orch,
		volumeMount: opts.VolumeMount,
		now:         opts.Now,
		template:    opts.PodTemplate,
		maxHours:    opts.MaxDurationHours,
		logger:      log,
	}
}

func (s *dispatchService) Dispatch(ctx context.Context, requester *models.User, req models.JobRequest) (desc *models.JobDescriptor, err error) {
	if req.UserID == "" {
		req.UserID = requester.ID
	}
	ctx, span := tracing.StartSpanWithAttributes(ctx, "dispatch.job",
		attribute.String("user_id", req.UserID),
		attribute.String("worker", req.WorkerHostname))
	defer func() { tracing.End(span, err) }()

	if req.UserID != requester.ID && !auth.HasLevel(requester.PermissionLevel, models.PermissionAdmin) {
		actual := requester.PermissionLevel
		return nil, &auth.PermissionError{
			UserID:   requester.ID,
			Required: models.PermissionAdmin,
			Actual:   &actual,
			Reason:   "dispatching for another user requires " + models.PermissionAdmin.String(),
		}
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ExpectedDuration > s.maxHours {
		return nil, fmt.Errorf("%w: expected_duration must be at most %d hours", ErrInvalidRequest, s.maxHours)
	}
	if req.VolumeMount == "" {
		req.VolumeMount = s.volumeMount
	}

	target, err := s.registry.GetUser(ctx, req.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, req.UserID)
	}
	if err != nil {
		return nil, err
	}
	if !target.HasKey() {
		return nil, fmt.Errorf("%w for user %s", ErrKeyMissing, target.ID)
	}
	secretName := k8s.SSHKeySecretName(target.ID)
	exists, err := s.orch.SecretExists(ctx, secretName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w for user %s: secret %s is gone", ErrKeyMissing, target.ID, secretName)
	}

	worker, err := s.registry.GetWorker(ctx, req.WorkerHostname)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, req.WorkerHostname)
	}
	if err != nil {
		return nil, err
	}
	if err := s.checkGPUs(ctx, worker.Hostname, req.GPUs); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expire := now.Add(time.Duration(req.ExpectedDuration) * time.Hour)
	name := jobName(target.ID, now)

	pod := buildJobPod(s.template, name, target.ID, worker, req, secretName, expire)
	createdPod, err := s.orch.CreatePod(ctx, pod)
	if err != nil {
		return nil, err
	}
	log := logger.For(ctx, s.logger).With(zap.String("job", name), zap.String("user_id", target.ID))

	createdSvc, err := s.orch.CreateService(ctx, buildSSHService(createdPod))
	if err != nil {
		log.Warn("job pod created without ssh service; it stays until its expiry is reaped", zap.Error(err))
		return nil, err
	}

	metrics.JobsDispatchedTotal.WithLabelValues(worker.Hostname).Inc()
	log.Info("job dispatched",
		zap.String("worker", worker.Hostname),
		zap.Strings("gpus", req.GPUs),
		zap.Time("expire", expire))

	d := toDescriptor(createdPod, createdSvc)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.Pod = createdPod
	d.Service = createdSvc
	return &d, nil
}

// checkGPUs rejects GPU ids the worker did not report at join.
func (s *dispatchService) checkGPUs(ctx context.Context, hostname string, requested []string) error {
	if len(requested) == 0 {
		return nil
	}
	inventory, err := s.registry.GPUsByWorkers(ctx, []string{hostname})
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	for _, wg := range inventory {
		for _, g := range wg.GPUs {
			known[g.UUID] = true
		}
	}
	var unknown []string
	for _, id := range requested {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: gpus %s are not reported by worker %s", ErrInvalidRequest, strings.Join(unknown, ", "), hostname)
	}
	return nil
}

func (s *dispatchService) ListJobs(ctx context.Context, userID string) ([]models.JobDescriptor, error) {
	pods, err := s.orch.ListPodsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	svcs, err := s.orch.ListServicesByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*corev1.Service, len(svcs))
	for i := range svcs {
		byName[svcs[i].Name] = &svcs[i]
	}

	jobs := make([]models.JobDescriptor, 0, len(pods))
	for i := range pods {
		jobs = append(jobs, toDescriptor(&pods[i], byName[pods[i].Name]))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

// jobNamePrefix keeps job names valid DNS-1035 labels (the Service shares the pod's name) even for
// numeric user ids.
const jobNamePrefix = "beer-"

// maxJobNameLen is the DNS-1035 label limit that Service names must meet.
const maxJobNameLen = 63

// jobName is "beer-<user>-<MMDDYYYYhhmmss>", unique per user at second resolution.
func jobName(userID string, now time.Time) string {
	ts := models.FormatExpiry(now)
	label := dnsLabel(userID)
	if room := maxJobNameLen - len(jobNamePrefix) - len(ts) - 1; len(label) > room {
		label = strings.TrimRight(label[:room], "-")
	}
	if label == "" {
		label = "user"
	}
	return jobNamePrefix + label + "-" + ts
}

// dnsLabel lowercases s and replaces everything outside [a-z0-9-] with '-'.
func dnsLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func jobLabels(name, userID string, expire time.Time) map[string]string {
	return map[string]string{
		models.LabelUserID: userID,
		models.LabelExpire: models.FormatExpiry(expire),
		labelJob:           name,
		labelManagedBy:     managedBy,
	}
}

func buildJobPod(tmpl *corev1.PodTemplateSpec, name, userID string, worker *models.Worker, req models.JobRequest, secretName string, expire time.Time) *corev1.Pod {
	devices := "none"
	if len(req.GPUs) > 0 {
		devices = strings.Join(req.GPUs, ",")
	}
	keyMode := int32(0o600)

	pod := &corev1.Pod{}
	if tmpl != nil {
		pod.ObjectMeta = *tmpl.ObjectMeta.DeepCopy()
		pod.Spec = *tmpl.Spec.DeepCopy()
	}
	pod.Name = name
	pod.Namespace = ""
	pod.Labels = mergeStrings(pod.Labels, jobLabels(name, userID, expire))
	pod.Spec.RestartPolicy = corev1.RestartPolicyNever
	pod.Spec.NodeSelector = mergeStrings(pod.Spec.NodeSelector, map[string]string{k8s.LabelHostname: worker.Hostname})
	pod.Spec.Containers = []corev1.Container{{
		Name:  containerName,
		Image: req.Image,
		TTY:   true,
		Stdin: true,
		Ports: []corev1.ContainerPort{{Name: "ssh", ContainerPort: SSHPort, Protocol: corev1.ProtocolTCP}},
		Env:   []corev1.EnvVar{{Name: EnvVisibleDevices, Value: devices}},
		VolumeMounts: []corev1.VolumeMount{
			{Name: volumeSSHKey, MountPath: AuthorizedKeysPath, SubPath: k8s.AuthorizedKeysField, ReadOnly: true},
			{Name: volumeWorkspace, MountPath: req.VolumeMount},
		},
	}}
	pod.Spec.Volumes = append(pod.Spec.Volumes,
		corev1.Volume{
			Name: volumeSSHKey,
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
				SecretName:  secretName,
				DefaultMode: &keyMode,
				Items:       []corev1.KeyToPath{{Key: k8s.AuthorizedKeysField, Path: k8s.AuthorizedKeysField}},
			}},
		},
		corev1.Volume{
			Name: volumeWorkspace,
			VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{
				Path: path.Join(worker.VolumesRoot, userID),
				Type: hostPathType(corev1.HostPathDirectoryOrCreate),
			}},
		},
	)
	return pod
}

// mergeStrings returns base overlaid with over; over wins on conflicts.
func mergeStrings(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func buildSSHService(pod *corev1.Pod) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   pod.Name,
			Labels: pod.Labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{labelJob: pod.Name},
			Ports: []corev1.ServicePort{{
				Name:       "ssh",
				Port:       SSHPort,
				TargetPort: intstr.FromInt32(SSHPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func hostPathType(t corev1.HostPathType) *corev1.HostPathType { return &t }

// toDescriptor reads a job back from its pod labels and spec. svc may be nil.
func toDescriptor(pod *corev1.Pod, svc *corev1.Service) models.JobDescriptor {
	d := models.JobDescriptor{
		Name:           pod.Name,
		Namespace:      pod.Namespace,
		UserID:         pod.Labels[models.LabelUserID],
		WorkerHostname: pod.Spec.NodeSelector[k8s.LabelHostname],
		CreatedAt:      pod.CreationTimestamp.Time,
		Phase:          string(pod.Status.Phase),
		GPUs:           []string{},
	}
	if d.Phase == "" {
		d.Phase = string(corev1.PodPending)
	}
	if exp, err := models.ParseExpiry(pod.Labels[models.LabelExpire]); err == nil {
		d.Expire = exp
	}
	for _, c := range pod.Spec.Containers {
		if c.Name != containerName {
			continue
		}
		d.Image = c.Image
		for _, e := range c.Env {
			if e.Name == EnvVisibleDevices && e.Value != "" && e.Value != "none" {
				d.GPUs = strings.Split(e.Value, ",")
			}
		}
		for _, m := range c.VolumeMounts {
			if m.Name == volumeWorkspace {
				d.VolumeMount = m.MountPath
			}
		}
	}
	if svc != nil {
		for _, p := range svc.Spec.Ports {
			if p.Port == SSHPort {
				d.SSHNodePort = p.NodePort
			}
		}
	}
	return d
}
