package statestore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

type fakeObject struct {
	data []byte
	meta map[string]string
}

type fakeS3 struct {
	objects map[string]fakeObject
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, meta: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data)), Metadata: obj.meta}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	backend := NewS3BackendWithClient(DefaultS3Config("etl"), fake)
	mgr := NewManager(backend, zerolog.Nop())

	if _, found, err := backend.Load(ctx, "missing"); err != nil || found {
		t.Fatalf("Load(missing) = %v, %v; want false, nil", found, err)
	}

	st, _ := mgr.Get(ctx, "creator", "aggregation-watermark")
	st.Set("last_end", int64(42))
	if err := mgr.Save(ctx, st, "creator"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["etl-state/aggregation-watermark.json"]; !ok {
		t.Fatalf("object not written under prefix: %v", fake.objects)
	}

	again, _ := mgr.Get(ctx, "modifier", "aggregation-watermark")
	if err := mgr.Save(ctx, again, "modifier"); err != nil {
		t.Fatal(err)
	}

	metas, err := mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 state object, got %d", len(metas))
	}
	if metas[0].CreatingAction != "creator" || metas[0].ModifyingAction != "modifier" {
		t.Errorf("unexpected metadata %+v", metas[0])
	}

	ok, err := mgr.Delete(ctx, "aggregation-watermark")
	if err != nil || !ok {
		t.Errorf("Delete = %v, %v; want true, nil", ok, err)
	}
	ok, _ = mgr.Delete(ctx, "aggregation-watermark")
	if ok {
		t.Error("second Delete should report nothing matched")
	}
}
