package k8s

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	tmpoutMount = "/calrissian/tmpout"
	outputMount = "/calrissian/output-data"
)

// claims names the volumes of one job run.
type claims struct {
	tmpout   string
	output   string
	tmpoutPV string
	outputPV string
}

func newClaims(runID string, nfs bool) claims {
	c := claims{
		tmpout: "tmpout-" + runID,
		output: "output-data-" + runID,
	}
	if nfs {
		c.tmpoutPV = c.tmpout + "-pv"
		c.outputPV = c.output + "-pv"
	}
	return c
}

func (b *Backend) persistentVolume(name string, mebibytes int) *corev1.PersistentVolume {
	return &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: managedLabels()},
		Spec: corev1.PersistentVolumeSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadOnlyMany},
			Capacity:    corev1.ResourceList{corev1.ResourceStorage: mebi(mebibytes)},
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				NFS: &corev1.NFSVolumeSource{Server: b.cfg.NFSServer, Path: "/"},
			},
		},
	}
}

func (b *Backend) claim(name, volumeName string, mebibytes int) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: b.cfg.Namespace, Labels: managedLabels()},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: mebi(mebibytes)},
			},
		},
	}
	if volumeName != "" {
		pvc.Spec.AccessModes = []corev1.PersistentVolumeAccessMode{corev1.ReadOnlyMany}
		pvc.Spec.VolumeName = volumeName
	}
	if b.cfg.StorageClass != "" {
		sc := b.cfg.StorageClass
		pvc.Spec.StorageClassName = &sc
	}
	return pvc
}

// calrissianJob builds the batch Job running the workflow with calrissian.
func (b *Backend) calrissianJob(name, jobID, procID, workflowURL string, inputs map[string]any, res Resources, c claims) *batchv1.Job {
	out := outputMount + "/" + c.output
	args := []string{
		"--stdout", out + "/docker-output.json",
		"--stderr", out + "/docker-stderr.log",
		"--max-ram", fmt.Sprintf("%dMi", res.RAMMin),
		"--max-cores", fmt.Sprintf("%d", res.CoresMin),
		"--tmp-outdir-prefix", tmpoutMount + "/" + c.tmpout + "/",
		"--outdir", out + "/",
		"--usage-report", out + "/docker-usage.json",
		workflowURL,
	}
	env := []corev1.EnvVar{{
		Name: "CALRISSIAN_POD_NAME",
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
		},
	}}

	var backoffLimit *int32
	if b.cfg.Debug {
		zero := int32(0)
		backoffLimit = &zero
		env = append(env, corev1.EnvVar{Name: "CALRISSIAN_DELETE_PODS", Value: "false"})
		args = append([]string{"--debug", "--leave-outputs", "--leave-tmpdir"}, args...)
	}
	args = append(args, inputArgs(inputs)...)

	mounts := []corev1.VolumeMount{
		{Name: c.tmpout, MountPath: tmpoutMount},
		{Name: c.output, MountPath: outputMount},
	}
	optional := true

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    managedLabels(),
			Annotations: map[string]string{
				annotationJobID:     jobID,
				annotationProcessID: procID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: managedLabels()},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					InitContainers: []corev1.Container{{
						Name:            "init-volumes",
						Image:           b.cfg.InitImage,
						ImagePullPolicy: corev1.PullAlways,
						Command:         []string{"sh"},
						Args:            []string{"-c", initScript(c)},
						VolumeMounts:    mounts,
					}},
					Containers: []corev1.Container{{
						Name:            "calrissian-job",
						Image:           b.cfg.CalrissianImage,
						ImagePullPolicy: corev1.PullAlways,
						Command:         []string{"/app/run_and_dump_usage.sh"},
						Args:            args,
						Env:             env,
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: credentialsSecret},
								Optional:             &optional,
							},
						}},
						VolumeMounts: mounts,
					}},
					Volumes: []corev1.Volume{
						claimVolume(c.tmpout),
						claimVolume(c.output),
					},
				},
			},
		},
	}
}

func claimVolume(name string) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: name},
		},
	}
}

// initScript prepares world-writable, sticky job directories on both claims.
func initScript(c claims) string {
	steps := []string{"chmod 777 /calrissian || true", "chmod +t /calrissian || true"}
	for _, dir := range []string{tmpoutMount + "/" + c.tmpout, outputMount + "/" + c.output} {
		steps = append(steps, "mkdir -p "+dir, "chmod 777 "+dir, "chmod +t "+dir)
	}
	return strings.Join(steps, " && ")
}

// inputArgs renders job inputs as runner flags in key order. A null value is
// a bare flag; credential flags then take their value from the secret
// environment.
func inputArgs(inputs map[string]any) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var args []string
	for _, k := range keys {
		v := inputs[k]
		if v == nil {
			args = append(args, "--"+k)
			switch {
			case strings.Contains(k, "aws_access_key_id"):
				args = append(args, "$(aws_access_key_id)")
			case strings.Contains(k, "aws_secret_access_key"):
				args = append(args, "$(aws_secret_access_key)")
			}
			continue
		}
		args = append(args, "--"+k, argValue(v))
	}
	return args
}

func argValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool, float64, int, int64:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func mebi(n int) resource.Quantity {
	return resource.MustParse(fmt.Sprintf("%dMi", n))
}

func managedLabels() map[string]string {
	return map[string]string{"app.kubernetes.io/managed-by": "ades"}
}
