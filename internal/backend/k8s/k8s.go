// Package k8s runs jobs as Kubernetes batch Jobs executing the workflow with
// calrissian. Each run gets a scratch claim and an output claim; the usage
// report calrissian prints is read back from the pod log.
package k8s

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"ades/internal/process"
	"ades/internal/usage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Name is the platform name of this backend.
const Name = "K8s"

// Keys of the backend info stored with each job.
const (
	InfoJobName   = "k8s_job_id"
	InfoNamespace = "k8s_namespace"
	InfoTmpoutPVC = "k8s_tmpout_pvc_name"
	InfoOutputPVC = "k8s_output_pvc_name"
	InfoTmpoutPV  = "k8s_tmpout_pv_name"
	InfoOutputPV  = "k8s_output_pv_name"
)

const (
	credentialsSecret   = "aws-creds"
	annotationJobID     = "ades/job-id"
	annotationProcessID = "ades/process-id"
)

// Config holds the cluster settings.
type Config struct {
	Namespace    string
	StorageClass string
	// NFSServer switches volumes to NFS-backed PersistentVolumes.
	NFSServer string
	// Debug keeps pods and scratch data and disables job retries.
	Debug              bool
	CalrissianImage    string
	InitImage          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	// Kubeconfig overrides the default loading rules. In-cluster
	// configuration is used when no kubeconfig is found.
	Kubeconfig string
}

// DefaultConfig returns the images and namespace used by default.
func DefaultConfig() Config {
	return Config{
		Namespace:       "ades",
		CalrissianImage: "pymonger/calrissian:latest",
		InitImage:       "busybox",
	}
}

// Backend implements job.Backend over the Kubernetes API.
type Backend struct {
	cfg     Config
	client  kubernetes.Interface
	fetcher process.Fetcher
	podLogs func(ctx context.Context, namespace, pod string) ([]byte, error)
	newID   func() string
	logger  *slog.Logger
}

// New connects to the cluster and bootstraps the namespace.
func New(ctx context.Context, cfg Config, fetcher process.Fetcher) (*Backend, error) {
	restCfg, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewWithClient(ctx, cfg, clientset, fetcher)
}

// NewWithClient bootstraps the namespace through an existing client.
func NewWithClient(ctx context.Context, cfg Config, client kubernetes.Interface, fetcher process.Fetcher) (*Backend, error) {
	defaults := DefaultConfig()
	cfg.Namespace = strings.ToLower(cfg.Namespace)
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.CalrissianImage == "" {
		cfg.CalrissianImage = defaults.CalrissianImage
	}
	if cfg.InitImage == "" {
		cfg.InitImage = defaults.InitImage
	}
	if fetcher == nil {
		return nil, errors.New("k8s: workflow fetcher is required")
	}

	b := &Backend{
		cfg:     cfg,
		client:  client,
		fetcher: fetcher,
		newID:   runID,
		logger:  slog.With("component", "backend", "backend", Name, "namespace", cfg.Namespace),
	}
	b.podLogs = b.readPodLogs
	if err := b.bootstrap(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err == nil {
		return cfg, nil
	}
	if kubeconfig != "" {
		return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfig, err)
	}
	inCluster, inErr := rest.InClusterConfig()
	if inErr != nil {
		return nil, fmt.Errorf("no kubernetes configuration: %w", errors.Join(err, inErr))
	}
	return inCluster, nil
}

// bootstrap creates the namespace, the roles calrissian needs to manage its
// step pods and read their logs, and the object store credentials secret.
// Existing objects are left as they are.
func (b *Backend) bootstrap(ctx context.Context) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: b.cfg.Namespace}}
	if _, err := b.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil &&
		!apierrors.IsAlreadyExists(err) && !apierrors.IsForbidden(err) {
		return fmt.Errorf("create namespace %s: %w", b.cfg.Namespace, err)
	}

	roles := []struct {
		role, binding string
		rule          rbacv1.PolicyRule
	}{
		{
			role:    "pod-manager-role",
			binding: "pod-manager-default-binding",
			rule: rbacv1.PolicyRule{
				APIGroups: []string{""},
				Resources: []string{"pods"},
				Verbs:     []string{"create", "patch", "delete", "list", "watch"},
			},
		},
		{
			role:    "log-reader-role",
			binding: "log-reader-default-binding",
			rule: rbacv1.PolicyRule{
				APIGroups: []string{""},
				Resources: []string{"pods/log"},
				Verbs:     []string{"get", "list"},
			},
		},
	}
	for _, r := range roles {
		role := &rbacv1.Role{
			ObjectMeta: metav1.ObjectMeta{Name: r.role, Namespace: b.cfg.Namespace},
			Rules:      []rbacv1.PolicyRule{r.rule},
		}
		if _, err := b.client.RbacV1().Roles(b.cfg.Namespace).Create(ctx, role, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create role %s: %w", r.role, err)
		}
		binding := &rbacv1.RoleBinding{
			ObjectMeta: metav1.ObjectMeta{Name: r.binding, Namespace: b.cfg.Namespace},
			Subjects: []rbacv1.Subject{{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      "default",
				Namespace: b.cfg.Namespace,
			}},
			RoleRef: rbacv1.RoleRef{
				APIGroup: rbacv1.GroupName,
				Kind:     "Role",
				Name:     r.role,
			},
		}
		if _, err := b.client.RbacV1().RoleBindings(b.cfg.Namespace).Create(ctx, binding, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create role binding %s: %w", r.binding, err)
		}
	}

	if b.cfg.AWSAccessKeyID != "" {
		immutable := true
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: credentialsSecret, Namespace: b.cfg.Namespace},
			Type:       corev1.SecretTypeOpaque,
			Immutable:  &immutable,
			Data: map[string][]byte{
				"aws_access_key_id":     []byte(b.cfg.AWSAccessKeyID),
				"aws_secret_access_key": []byte(b.cfg.AWSSecretAccessKey),
			},
		}
		if _, err := b.client.CoreV1().Secrets(b.cfg.Namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create secret %s: %w", credentialsSecret, err)
		}
	}
	return nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (*job.Submission, error) {
	doc, err := b.fetcher.Fetch(ctx, spec.Process.OwsContextURL)
	if err != nil {
		return nil, apperrors.Backend("k8s.fetch_workflow", apperrors.Diagnostic(err), err)
	}
	res, err := ParseResources(doc)
	if err != nil {
		return nil, apperrors.Backend("k8s.fetch_workflow", err.Error(), err)
	}

	id := b.newID()
	c := newClaims(id, b.cfg.NFSServer != "")
	info := map[string]any{
		InfoNamespace: b.cfg.Namespace,
		InfoTmpoutPVC: c.tmpout,
		InfoOutputPVC: c.output,
	}
	if c.tmpoutPV != "" {
		info[InfoTmpoutPV] = c.tmpoutPV
		info[InfoOutputPV] = c.outputPV
	}

	// Volumes are created first so the job never starts without them.
	for _, v := range []struct {
		pvc, pv string
		size    int
	}{
		{c.tmpout, c.tmpoutPV, res.TmpdirMin},
		{c.output, c.outputPV, res.OutdirMin},
	} {
		if v.pv != "" {
			if _, err := b.client.CoreV1().PersistentVolumes().Create(ctx, b.persistentVolume(v.pv, v.size), metav1.CreateOptions{}); err != nil {
				b.releaseVolumes(ctx, c)
				return nil, apperrors.Backend("k8s.create_pv", statusMessage(err), err)
			}
		}
		if _, err := b.client.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Create(ctx, b.claim(v.pvc, v.pv, v.size), metav1.CreateOptions{}); err != nil {
			b.releaseVolumes(ctx, c)
			return nil, apperrors.Backend("k8s.create_pvc", statusMessage(err), err)
		}
	}

	name := "calrissian-job-" + id
	manifest := b.calrissianJob(name, spec.JobID, spec.Process.ID, spec.Process.OwsContextURL, spec.Inputs, res, c)
	if _, err := b.client.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, manifest, metav1.CreateOptions{}); err != nil {
		b.releaseVolumes(ctx, c)
		return nil, apperrors.Backend("k8s.create_job", statusMessage(err), err)
	}
	info[InfoJobName] = name

	b.logger.Info("Created calrissian job", "jobId", spec.JobID, "k8sJob", name)
	return &job.Submission{BackendInfo: info, Status: job.StatusAccepted, Metrics: map[string]any{}}, nil
}

func (b *Backend) Query(ctx context.Context, j *job.Job) (*job.Observation, error) {
	name, err := jobName(j)
	if err != nil {
		return nil, err
	}

	kj, err := b.client.BatchV1().Jobs(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if missing := notFoundState(j, err); missing != nil {
			return nil, missing
		}
		return nil, backendError("k8s.get_job", err)
	}

	status, unmapped := mapJobStatus(kj.Status)
	if unmapped != "" {
		return nil, apperrors.Indeterminate("job", j.ID, unmapped)
	}

	obs := &job.Observation{Status: status, Metrics: map[string]any{}}
	if status.IsTerminal() {
		obs.Metrics = b.usageReport(ctx, j.ID, kj)
	}
	return obs, nil
}

// mapJobStatus derives the canonical status from the conditions of a Job.
// Terminal conditions take precedence. A true condition of a type with no
// mapping is returned as unmapped.
func mapJobStatus(st batchv1.JobStatus) (job.Status, string) {
	// A terminal condition wins regardless of its position in the list.
	for _, cond := range st.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return job.StatusSuccessful, ""
		case batchv1.JobFailed:
			return job.StatusFailed, ""
		}
	}

	var status job.Status
	for _, cond := range st.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobSuspended, "SuspensionMet":
			if status == "" {
				status = job.StatusAccepted
			}
		case batchv1.JobSuccessCriteriaMet, batchv1.JobFailureTarget:
			status = job.StatusRunning
		default:
			return "", string(cond.Type)
		}
	}
	if status != "" {
		return status, ""
	}
	if st.Active > 0 {
		return job.StatusRunning, ""
	}
	return job.StatusAccepted, ""
}

func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusAccepted && j.Status != job.StatusRunning {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("cannot cancel job in status %s", j.Status))
	}
	name, err := jobName(j)
	if err != nil {
		return err
	}

	propagation := metav1.DeletePropagationBackground
	err = b.client.BatchV1().Jobs(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return backendError("k8s.delete_job", err)
	}

	c := claims{}
	c.tmpout, _ = j.BackendInfo[InfoTmpoutPVC].(string)
	c.output, _ = j.BackendInfo[InfoOutputPVC].(string)
	c.tmpoutPV, _ = j.BackendInfo[InfoTmpoutPV].(string)
	c.outputPV, _ = j.BackendInfo[InfoOutputPV].(string)
	b.releaseVolumes(ctx, c)

	b.logger.Info("Deleted calrissian job", "jobId", j.ID, "k8sJob", name)
	return nil
}

func (b *Backend) ResultLinks(ctx context.Context, j *job.Job) ([]job.Link, error) {
	return job.StageOutLinks(j), nil
}

func (b *Backend) OnDeploy(ctx context.Context, p *process.Process) error   { return nil }
func (b *Backend) OnUndeploy(ctx context.Context, p *process.Process) error { return nil }

// Ready checks that the API server answers.
func (b *Backend) Ready(ctx context.Context) error {
	if _, err := b.client.Discovery().ServerVersion(); err != nil {
		return backendError("k8s.server_version", err)
	}
	return nil
}

// releaseVolumes deletes the claims and volumes of a run. Failures are
// logged; the objects carry the managed-by label for manual cleanup.
func (b *Backend) releaseVolumes(ctx context.Context, c claims) {
	for _, pvc := range []string{c.tmpout, c.output} {
		if pvc == "" {
			continue
		}
		if err := b.client.CoreV1().PersistentVolumeClaims(b.cfg.Namespace).Delete(ctx, pvc, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			b.logger.Warn("Failed to delete claim", "pvc", pvc, "error", err)
		}
	}
	for _, pv := range []string{c.tmpoutPV, c.outputPV} {
		if pv == "" {
			continue
		}
		if err := b.client.CoreV1().PersistentVolumes().Delete(ctx, pv, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			b.logger.Warn("Failed to delete volume", "pv", pv, "error", err)
		}
	}
}

// usageReport reads the usage section from the log of the job's pod. A job
// without a readable report has empty metrics.
func (b *Backend) usageReport(ctx context.Context, jobID string, kj *batchv1.Job) map[string]any {
	uid := kj.Labels["controller-uid"]
	if uid == "" {
		uid = kj.Labels["batch.kubernetes.io/controller-uid"]
	}
	if uid == "" {
		uid = string(kj.UID)
	}
	pods, err := b.client.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: "controller-uid=" + uid})
	if err != nil || len(pods.Items) == 0 {
		b.logger.Warn("No pod found for finished job", "jobId", jobID, "error", err)
		return map[string]any{}
	}

	log, err := b.podLogs(ctx, b.cfg.Namespace, pods.Items[0].Name)
	if err != nil {
		b.logger.Warn("Failed to read pod log", "jobId", jobID, "pod", pods.Items[0].Name, "error", err)
		return map[string]any{}
	}
	m, err := usage.ExtractMarker(log)
	if err != nil {
		if !errors.Is(err, usage.ErrNoMarker) {
			b.logger.Warn("Ignoring malformed usage section", "jobId", jobID, "error", err)
		}
		return map[string]any{}
	}
	return m
}

func (b *Backend) readPodLogs(ctx context.Context, namespace, pod string) ([]byte, error) {
	return b.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{}).DoRaw(ctx)
}

func jobName(j *job.Job) (string, error) {
	name, _ := j.BackendInfo[InfoJobName].(string)
	if name == "" {
		return "", apperrors.Backend("k8s", fmt.Sprintf("job %s has no kubernetes job record", j.ID), nil)
	}
	return name, nil
}

// notFoundState reports a vanished Job as an unmapped state rather than a
// platform failure.
func notFoundState(j *job.Job, err error) error {
	if apierrors.IsNotFound(err) {
		return apperrors.Indeterminate("job", j.ID, "kubernetes job missing")
	}
	return nil
}

func backendError(op string, err error) error {
	return apperrors.Backend(op, statusMessage(err), err)
}

func statusMessage(err error) string {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if msg := status.Status().Message; msg != "" {
			return msg
		}
	}
	return err.Error()
}

// runID returns a short lowercase alphanumeric id valid in object names.
func runID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
