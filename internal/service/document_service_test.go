package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe-go/internal/config"
	"docpipe-go/internal/identity"
	"docpipe-go/internal/model"
	"docpipe-go/pkg/storage"
)

type docFixture struct {
	db        *fakeDB
	docRepo   *fakeDocRepo
	jobRepo   *fakeJobRepo
	chunkRepo *fakeChunkRepo
	store     *fakeBlobStore
	submitter *fakeSubmitter
	publisher *fakePublisher
	index     *fakeChunkIndex
	svc       DocumentService
}

func newDocFixture() *docFixture {
	db := newFakeDB()
	f := &docFixture{
		db:        db,
		docRepo:   newFakeDocRepo(db),
		jobRepo:   newFakeJobRepo(db),
		chunkRepo: newFakeChunkRepo(db),
		store:     newFakeBlobStore(),
		submitter: &fakeSubmitter{},
		publisher: &fakePublisher{},
		index:     &fakeChunkIndex{},
	}
	pipeCfg := config.PipelineConfig{
		ChunkerName:          "recursive",
		ChunkerVersion:       "v1",
		PresignExpiryMinutes: 30,
	}
	jobs := NewJobService(f.jobRepo, f.store, f.submitter, f.publisher, &fakePromoter{},
		config.ParserConfig{
			BaseURL:         "http://parser.local",
			CallbackBaseURL: "http://docpipe.local",
		}, pipeCfg)
	f.svc = NewDocumentService(f.docRepo, f.jobRepo, f.chunkRepo, jobs, f.store, f.index, pipeCfg)
	return f
}

// finishJob 把文档名下的活跃任务标记为终态，模拟流水线跑完。
func (f *docFixture) finishJob(documentID string) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, j := range f.db.jobs {
		if j.DocumentID == documentID && j.State != model.StateDone {
			j.Status = model.StatusComplete
			j.State = model.StateDone
		}
	}
}

func TestUploadStartsPipeline(t *testing.T) {
	f := newDocFixture()
	content := []byte("hello pipeline")

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID:   testUserID,
		Filename: "policy.pdf",
		Mime:     "application/pdf",
		Content:  content,
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	// document_id 内容寻址：同一 (user, sha256) 必然得到同一 ID
	sum := sha256.Sum256(content)
	fileSHA := hex.EncodeToString(sum[:])
	wantDocID, err := identity.DocumentID(testUserID, fileSHA)
	require.NoError(t, err)
	assert.Equal(t, wantDocID, result.Document.DocumentID)
	assert.Equal(t, fileSHA, result.Document.FileSHA256)
	assert.Equal(t, int64(len(content)), result.Document.BytesLen)

	// 原始字节已写入对象存储
	rawKey := storage.RawObjectKey(testUserID, wantDocID, "policy.pdf")
	data, ok := f.store.object(rawKey)
	require.True(t, ok)
	assert.Equal(t, content, data)

	// 任务已创建并完成解析派发
	require.NotNil(t, result.Job)
	assert.Equal(t, model.StatusParsing, result.Job.Status)
	assert.Len(t, f.submitter.submitted(), 1)
	assert.Equal(t, model.StatusParsing, f.db.docSnapshot(wantDocID).ProcessingStatus)
}

func TestUploadSameContentIsDuplicate(t *testing.T) {
	f := newDocFixture()
	content := []byte("same bytes twice")

	first, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: content,
	})
	require.NoError(t, err)
	f.finishJob(first.Document.DocumentID)

	second, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "renamed.pdf", Mime: "application/pdf", Content: content,
	})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Document.DocumentID, second.Document.DocumentID)
	assert.NotEqual(t, first.Job.JobID, second.Job.JobID, "重新上传应创建新任务")

	// 文档行复用且元数据已刷新
	doc := f.db.docSnapshot(first.Document.DocumentID)
	assert.Equal(t, "renamed.pdf", doc.Filename)
	f.db.mu.Lock()
	assert.Len(t, f.db.docs, 1)
	f.db.mu.Unlock()
}

func TestUploadDifferentUserGetsDifferentDocument(t *testing.T) {
	f := newDocFixture()
	content := []byte("shared bytes")

	first, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: "user-a", Filename: "a.pdf", Mime: "application/pdf", Content: content,
	})
	require.NoError(t, err)
	second, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: "user-b", Filename: "a.pdf", Mime: "application/pdf", Content: content,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.Document.DocumentID, second.Document.DocumentID)
}

func TestUploadRejectsWhileJobActive(t *testing.T) {
	f := newDocFixture()
	content := []byte("busy document")

	_, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: content,
	})
	require.NoError(t, err)

	// 第一条任务仍活跃（parsing），重复上传被拒绝
	_, err = f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: content,
	})
	assert.ErrorIs(t, err, ErrJobActive)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	f := newDocFixture()
	_, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "empty.pdf", Mime: "application/pdf", Content: nil,
	})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

// 解析派发失败不回滚上传：任务带失败原因落库，可查可补发。
func TestUploadSurvivesDispatchFailure(t *testing.T) {
	f := newDocFixture()
	f.submitter.err = errors.New("parser 服务不可用")

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: []byte("content"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailedParse, result.Job.Status)
	lastErr := model.DecodeJobError(result.Job.LastError)
	require.NotNil(t, lastErr)
	assert.Contains(t, lastErr.Error, "提交解析请求失败")
}

func TestParsedContentURL(t *testing.T) {
	f := newDocFixture()

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "policy.pdf", Mime: "application/pdf", Content: []byte("content"),
	})
	require.NoError(t, err)
	docID := result.Document.DocumentID

	// 解析产物尚未就绪
	_, err = f.svc.ParsedContentURL(context.Background(), docID)
	assert.ErrorIs(t, err, ErrNotParsed)

	// 落一份解析产物后可以拿到临时链接
	parsedKey := storage.ParsedObjectKey(testUserID, docID)
	parsedSHA := "cc33"
	f.db.mu.Lock()
	f.db.docs[docID].ParsedPath = &parsedKey
	f.db.docs[docID].ParsedSHA256 = &parsedSHA
	f.db.mu.Unlock()

	info, err := f.svc.ParsedContentURL(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "policy.md", info.FileName)
	assert.Contains(t, info.DownloadURL, parsedKey)
	assert.Equal(t, parsedSHA, info.ParsedSHA256)

	_, err = f.svc.ParsedContentURL(context.Background(), "doc-nonexistent")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteRejectsWhileJobActive(t *testing.T) {
	f := newDocFixture()

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: []byte("content"),
	})
	require.NoError(t, err)

	err = f.svc.Delete(context.Background(), result.Document.DocumentID)
	assert.ErrorIs(t, err, ErrJobActive)
}

func TestDeleteRemovesAllDerivedData(t *testing.T) {
	f := newDocFixture()

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: []byte("content"),
	})
	require.NoError(t, err)
	docID := result.Document.DocumentID
	f.finishJob(docID)

	// 模拟流水线产出的终表分块
	f.db.mu.Lock()
	f.db.chunks["c-1"] = &model.DocumentChunk{
		ChunkID: "c-1", DocumentID: docID, ChunkerName: "recursive", ChunkerVersion: "v1", Ordinal: 0, Content: "piece",
	}
	f.db.mu.Unlock()

	require.NoError(t, f.svc.Delete(context.Background(), docID))

	_, err = f.svc.Get(context.Background(), docID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	f.db.mu.Lock()
	assert.Empty(t, f.db.docs)
	assert.Empty(t, f.db.jobs)
	assert.Empty(t, f.db.chunks)
	f.db.mu.Unlock()

	// 对象与检索镜像同步清理
	_, ok := f.store.object(storage.RawObjectKey(testUserID, docID, "a.pdf"))
	assert.False(t, ok, "原始对象应随文档删除")
	f.index.mu.Lock()
	assert.Contains(t, f.index.deleted, docID)
	f.index.mu.Unlock()

	assert.ErrorIs(t, f.svc.Delete(context.Background(), docID), ErrDocumentNotFound)
}

func TestListChunksScopedToConfiguredChunker(t *testing.T) {
	f := newDocFixture()

	result, err := f.svc.Upload(context.Background(), UploadInput{
		UserID: testUserID, Filename: "a.pdf", Mime: "application/pdf", Content: []byte("content"),
	})
	require.NoError(t, err)
	docID := result.Document.DocumentID

	f.db.mu.Lock()
	f.db.chunks["c-1"] = &model.DocumentChunk{ChunkID: "c-1", DocumentID: docID, ChunkerName: "recursive", ChunkerVersion: "v1", Ordinal: 1, Content: "b"}
	f.db.chunks["c-0"] = &model.DocumentChunk{ChunkID: "c-0", DocumentID: docID, ChunkerName: "recursive", ChunkerVersion: "v1", Ordinal: 0, Content: "a"}
	// 旧版本分块器的残留不应出现在结果里
	f.db.chunks["c-old"] = &model.DocumentChunk{ChunkID: "c-old", DocumentID: docID, ChunkerName: "recursive", ChunkerVersion: "v0", Ordinal: 0, Content: "stale"}
	f.db.mu.Unlock()

	chunks, err := f.svc.ListChunks(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)

	_, err = f.svc.ListChunks(context.Background(), "doc-nonexistent")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.svc.ListJobs(context.Background(), "doc-nonexistent")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
