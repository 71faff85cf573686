package k8s

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"ades/internal/process"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const workflowYAML = `cwlVersion: v1.2
class: Workflow
requirements:
  ResourceRequirement:
    coresMin: 2
    ramMin: 2048
`

type staticFetcher struct {
	doc []byte
	err error
}

func (f staticFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	return f.doc, f.err
}

func newTestBackend(t *testing.T, cfg Config, objects ...runtime.Object) (*Backend, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset(objects...)
	b, err := NewWithClient(context.Background(), cfg, cs, staticFetcher{doc: []byte(workflowYAML)})
	require.NoError(t, err)
	b.newID = func() string { return "abc123def456" }
	return b, cs
}

func testSpec() *job.Spec {
	return &job.Spec{
		Process: &process.Process{ID: "echo-1.0", OwsContextURL: "https://example.org/echo.cwl"},
		Inputs: map[string]any{
			"message":           "hi",
			"count":             float64(3),
			"aws_access_key_id": nil,
			"stage_out":         map[string]any{"s3_url": "s3://bucket/out"},
		},
		JobID: "echo-1.0-deadbeef",
		Owner: "alice",
	}
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Namespace = "ADES-Test"
	cfg.AWSAccessKeyID = "AKIA"
	cfg.AWSSecretAccessKey = "secret"
	_, cs := newTestBackend(t, cfg)

	_, err := cs.CoreV1().Namespaces().Get(ctx, "ades-test", metav1.GetOptions{})
	require.NoError(t, err)
	for _, name := range []string{"pod-manager-role", "log-reader-role"} {
		_, err := cs.RbacV1().Roles("ades-test").Get(ctx, name, metav1.GetOptions{})
		require.NoError(t, err, name)
	}
	binding, err := cs.RbacV1().RoleBindings("ades-test").Get(ctx, "log-reader-default-binding", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "default", binding.Subjects[0].Name)

	secret, err := cs.CoreV1().Secrets("ades-test").Get(ctx, "aws-creds", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("AKIA"), secret.Data["aws_access_key_id"])
	require.NotNil(t, secret.Immutable)
	assert.True(t, *secret.Immutable)
}

func TestBootstrap_ToleratesExistingAndForbidden(t *testing.T) {
	t.Parallel()
	cs := fake.NewSimpleClientset(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ades"}})
	cs.PrependReactor("create", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, "ades", errors.New("denied"))
	})

	_, err := NewWithClient(context.Background(), DefaultConfig(), cs, staticFetcher{})
	require.NoError(t, err)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, cs := newTestBackend(t, DefaultConfig())

	sub, err := b.Submit(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, job.StatusAccepted, sub.Status)
	assert.Equal(t, "calrissian-job-abc123def456", sub.BackendInfo[InfoJobName])
	assert.Equal(t, "tmpout-abc123def456", sub.BackendInfo[InfoTmpoutPVC])
	assert.Equal(t, "output-data-abc123def456", sub.BackendInfo[InfoOutputPVC])
	assert.NotContains(t, sub.BackendInfo, InfoTmpoutPV)

	pvc, err := cs.CoreV1().PersistentVolumeClaims("ades").Get(ctx, "tmpout-abc123def456", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, pvc.Spec.AccessModes)
	assert.Equal(t, "1000Mi", pvc.Spec.Resources.Requests.Storage().String())

	kj, err := cs.BatchV1().Jobs("ades").Get(ctx, "calrissian-job-abc123def456", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo-1.0-deadbeef", kj.Annotations[annotationJobID])
	assert.Nil(t, kj.Spec.BackoffLimit)

	pod := kj.Spec.Template.Spec
	require.Len(t, pod.InitContainers, 1)
	assert.Equal(t, "busybox", pod.InitContainers[0].Image)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, "pymonger/calrissian:latest", c.Image)
	assert.Equal(t, []string{"/app/run_and_dump_usage.sh"}, c.Command)
	assert.Equal(t, []string{
		"--stdout", "/calrissian/output-data/output-data-abc123def456/docker-output.json",
		"--stderr", "/calrissian/output-data/output-data-abc123def456/docker-stderr.log",
		"--max-ram", "2048Mi",
		"--max-cores", "2",
		"--tmp-outdir-prefix", "/calrissian/tmpout/tmpout-abc123def456/",
		"--outdir", "/calrissian/output-data/output-data-abc123def456/",
		"--usage-report", "/calrissian/output-data/output-data-abc123def456/docker-usage.json",
		"https://example.org/echo.cwl",
		"--aws_access_key_id", "$(aws_access_key_id)",
		"--count", "3",
		"--message", "hi",
		"--stage_out", `{"s3_url":"s3://bucket/out"}`,
	}, c.Args)
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
}

func TestSubmit_DebugAndNFS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Debug = true
	cfg.NFSServer = "10.0.0.5"
	cfg.StorageClass = "nfs"
	b, cs := newTestBackend(t, cfg)

	sub, err := b.Submit(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, "tmpout-abc123def456-pv", sub.BackendInfo[InfoTmpoutPV])

	pv, err := cs.CoreV1().PersistentVolumes().Get(ctx, "output-data-abc123def456-pv", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, pv.Spec.NFS)
	assert.Equal(t, "10.0.0.5", pv.Spec.NFS.Server)

	pvc, err := cs.CoreV1().PersistentVolumeClaims("ades").Get(ctx, "output-data-abc123def456", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []corev1.PersistentVolumeAccessMode{corev1.ReadOnlyMany}, pvc.Spec.AccessModes)
	assert.Equal(t, "output-data-abc123def456-pv", pvc.Spec.VolumeName)
	require.NotNil(t, pvc.Spec.StorageClassName)
	assert.Equal(t, "nfs", *pvc.Spec.StorageClassName)

	kj, err := cs.BatchV1().Jobs("ades").Get(ctx, "calrissian-job-abc123def456", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, kj.Spec.BackoffLimit)
	assert.Zero(t, *kj.Spec.BackoffLimit)
	c := kj.Spec.Template.Spec.Containers[0]
	assert.Equal(t, []string{"--debug", "--leave-outputs", "--leave-tmpdir"}, c.Args[:3])
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "CALRISSIAN_DELETE_PODS", Value: "false"})
}

func TestSubmit_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBackend(t, DefaultConfig())
	b.fetcher = staticFetcher{err: apperrors.Validation("proc", "HTTP 404 fetching workflow")}
	_, err := b.Submit(ctx, testSpec())
	require.ErrorIs(t, err, apperrors.ErrBackend)
	assert.Contains(t, apperrors.Diagnostic(err), "HTTP 404")

	b, cs := newTestBackend(t, DefaultConfig())
	cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewInternalError(errors.New("etcd timeout"))
	})
	_, err = b.Submit(ctx, testSpec())
	require.ErrorIs(t, err, apperrors.ErrBackend)

	claims, err := cs.CoreV1().PersistentVolumeClaims("ades").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, claims.Items, "claims of a failed submission are released")
}

func TestMapJobStatus(t *testing.T) {
	t.Parallel()

	cond := func(typ batchv1.JobConditionType, status corev1.ConditionStatus) batchv1.JobCondition {
		return batchv1.JobCondition{Type: typ, Status: status}
	}
	tests := []struct {
		name     string
		status   batchv1.JobStatus
		want     job.Status
		unmapped string
	}{
		{"no conditions idle", batchv1.JobStatus{}, job.StatusAccepted, ""},
		{"no conditions active", batchv1.JobStatus{Active: 1}, job.StatusRunning, ""},
		{"complete", batchv1.JobStatus{Conditions: []batchv1.JobCondition{cond(batchv1.JobComplete, corev1.ConditionTrue)}}, job.StatusSuccessful, ""},
		{"failed", batchv1.JobStatus{Conditions: []batchv1.JobCondition{cond(batchv1.JobFailed, corev1.ConditionTrue)}}, job.StatusFailed, ""},
		{"complete after criteria", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			cond(batchv1.JobSuccessCriteriaMet, corev1.ConditionTrue),
			cond(batchv1.JobComplete, corev1.ConditionTrue),
		}}, job.StatusSuccessful, ""},
		{"failure target", batchv1.JobStatus{Conditions: []batchv1.JobCondition{cond(batchv1.JobFailureTarget, corev1.ConditionTrue)}}, job.StatusRunning, ""},
		{"suspended", batchv1.JobStatus{Conditions: []batchv1.JobCondition{cond(batchv1.JobSuspended, corev1.ConditionTrue)}}, job.StatusAccepted, ""},
		{"false condition ignored", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{cond(batchv1.JobSuspended, corev1.ConditionFalse)}}, job.StatusRunning, ""},
		{"unknown type", batchv1.JobStatus{Conditions: []batchv1.JobCondition{cond("Quarantined", corev1.ConditionTrue)}}, "", "Quarantined"},
		{"unknown type before complete", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			cond("Quarantined", corev1.ConditionTrue), cond(batchv1.JobComplete, corev1.ConditionTrue),
		}}, job.StatusSuccessful, ""},
		{"unknown type before failed", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			cond("Quarantined", corev1.ConditionTrue), cond(batchv1.JobFailureTarget, corev1.ConditionTrue), cond(batchv1.JobFailed, corev1.ConditionTrue),
		}}, job.StatusFailed, ""},
	}
	for _, tt := range tests {
		got, unmapped := mapJobStatus(tt.status)
		assert.Equal(t, tt.want, got, tt.name)
		assert.Equal(t, tt.unmapped, unmapped, tt.name)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, cs := newTestBackend(t, DefaultConfig())
	sub, err := b.Submit(ctx, testSpec())
	require.NoError(t, err)
	j := &job.Job{ID: "echo-1.0-deadbeef", Status: job.StatusAccepted, BackendInfo: sub.BackendInfo}

	obs, err := b.Query(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAccepted, obs.Status)

	kj, err := cs.BatchV1().Jobs("ades").Get(ctx, "calrissian-job-abc123def456", metav1.GetOptions{})
	require.NoError(t, err)
	kj.Labels["controller-uid"] = "uid-1"
	kj.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	_, err = cs.BatchV1().Jobs("ades").Update(ctx, kj, metav1.UpdateOptions{})
	require.NoError(t, err)
	_, err = cs.CoreV1().Pods("ades").Create(ctx, &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      "calrissian-job-abc123def456-x7k2p",
		Namespace: "ades",
		Labels:    map[string]string{"controller-uid": "uid-1"},
	}}, metav1.CreateOptions{})
	require.NoError(t, err)

	var readPod string
	b.podLogs = func(ctx context.Context, ns, pod string) ([]byte, error) {
		readPod = pod
		return []byte("done\n# BEGIN docker-usage.json\n{\"total_tasks\": 4}\n# END docker-usage.json\n"), nil
	}

	obs, err = b.Query(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccessful, obs.Status)
	assert.Equal(t, 4.0, obs.Metrics["total_tasks"])
	assert.Equal(t, "calrissian-job-abc123def456-x7k2p", readPod)
}

func TestQuery_MissingJob(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, DefaultConfig())

	_, err := b.Query(context.Background(), &job.Job{ID: "j", BackendInfo: map[string]any{InfoJobName: "calrissian-job-gone"}})
	assert.ErrorIs(t, err, apperrors.ErrIndeterminate)

	_, err = b.Query(context.Background(), &job.Job{ID: "j"})
	assert.ErrorIs(t, err, apperrors.ErrBackend)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.NFSServer = "10.0.0.5"
	b, cs := newTestBackend(t, cfg)
	sub, err := b.Submit(ctx, testSpec())
	require.NoError(t, err)
	j := &job.Job{ID: "echo-1.0-deadbeef", Status: job.StatusRunning, BackendInfo: sub.BackendInfo}

	require.NoError(t, b.Cancel(ctx, j))

	_, err = cs.BatchV1().Jobs("ades").Get(ctx, "calrissian-job-abc123def456", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	claims, err := cs.CoreV1().PersistentVolumeClaims("ades").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, claims.Items)
	pvs, err := cs.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pvs.Items)

	j.Status = job.StatusSuccessful
	assert.ErrorIs(t, b.Cancel(ctx, j), apperrors.ErrConflict)
}

func TestReady(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(t, DefaultConfig())
	assert.NoError(t, b.Ready(context.Background()))
}

func TestParseResources(t *testing.T) {
	t.Parallel()

	res, err := ParseResources([]byte(workflowYAML))
	require.NoError(t, err)
	assert.Equal(t, Resources{CoresMin: 2, RAMMin: 2048, TmpdirMin: 1000, OutdirMin: 1000}, res)

	res, err = ParseResources([]byte(`
class: Workflow
requirements:
  - class: InlineJavascriptRequirement
  - class: ResourceRequirement
    outdirMin: 5000.5
`))
	require.NoError(t, err)
	assert.Equal(t, 5001, res.OutdirMin)
	assert.Equal(t, 1, res.CoresMin)

	res, err = ParseResources([]byte("class: CommandLineTool\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultResources, res)

	_, err = ParseResources([]byte("requirements:\n  ResourceRequirement:\n    ramMin: lots\n"))
	assert.Error(t, err)
}
