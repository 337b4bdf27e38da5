// Package s3 provides the S3-compatible blob store used for record
// attachments. It speaks plain HTTP with AWS V4 header signing and works
// against AWS, MinIO and Cloudflare R2.
package s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
)

// MultipartThreshold is the payload size at which Put switches to the
// chunked multipart path.
const MultipartThreshold = 5 * 1024 * 1024

// partSize is the size of each multipart chunk.
const partSize = 5 * 1024 * 1024

// Config holds S3 connection configuration.
type Config struct {
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // path-style URLs (minio, localstack)
}

// Client implements the engine's BlobStore against S3-compatible storage.
type Client struct {
	config     *Config
	httpClient *http.Client
}

var _ enginesync.BlobStore = (*Client)(nil)

// listBucketResult is the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Contents []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
}

// initiateMultipartResult is the CreateMultipartUpload response.
type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

// completeMultipartUpload is the CompleteMultipartUpload request body.
type completeMultipartUpload struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []completedPart
}

type completedPart struct {
	XMLName    xml.Name `xml:"Part"`
	PartNumber int      `xml:"PartNumber"`
	ETag       string   `xml:"ETag"`
}

// NewClient creates a Client.
func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Put stores data under key and returns the key. Payloads at or above the
// multipart threshold go through the chunked path with per-chunk progress.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string, progress enginesync.ProgressFunc) (string, error) {
	if len(data) >= MultipartThreshold {
		if err := c.putMultipart(ctx, key, data, contentType, progress); err != nil {
			return "", err
		}
		return key, nil
	}

	req, err := c.createRequest(ctx, http.MethodPut, key, "", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	if err := c.do(req, http.StatusOK); err != nil {
		return "", err
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return key, nil
}

// putMultipart uploads data in fixed-size parts. A failed part aborts the
// whole upload so no orphaned parts accumulate.
func (c *Client) putMultipart(ctx context.Context, key string, data []byte, contentType string, progress enginesync.ProgressFunc) error {
	uploadID, err := c.initiateMultipart(ctx, key, contentType)
	if err != nil {
		return err
	}

	total := int64(len(data))
	var parts []completedPart
	for offset, num := 0, 1; offset < len(data); offset, num = offset+partSize, num+1 {
		end := offset + partSize
		if end > len(data) {
			end = len(data)
		}

		etag, perr := c.uploadPart(ctx, key, uploadID, num, data[offset:end])
		if perr != nil {
			c.abortMultipart(ctx, key, uploadID)
			return perr
		}
		parts = append(parts, completedPart{PartNumber: num, ETag: etag})

		if progress != nil {
			progress(int64(end), total)
		}
	}

	if err := c.completeMultipart(ctx, key, uploadID, parts); err != nil {
		c.abortMultipart(ctx, key, uploadID)
		return err
	}
	return nil
}

func (c *Client) initiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	req, err := c.createRequest(ctx, http.MethodPost, key, "uploads=", nil)
	if err != nil {
		return "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetwork, "multipart initiate failed", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, http.StatusOK); err != nil {
		return "", err
	}

	var result initiateMultipartResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetwork, "failed to parse multipart initiate response", err)
	}
	if result.UploadID == "" {
		return "", apperrors.New(apperrors.ErrNetwork, "multipart initiate returned no upload id")
	}
	return result.UploadID, nil
}

func (c *Client) uploadPart(ctx context.Context, key, uploadID string, partNumber int, part []byte) (string, error) {
	query := fmt.Sprintf("partNumber=%d&uploadId=%s", partNumber, url.QueryEscape(uploadID))
	req, err := c.createRequest(ctx, http.MethodPut, key, query, bytes.NewReader(part))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(part))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrNetwork,
			fmt.Sprintf("upload of part %d failed", partNumber), err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, http.StatusOK); err != nil {
		return "", err
	}
	return resp.Header.Get("ETag"), nil
}

func (c *Client) completeMultipart(ctx context.Context, key, uploadID string, parts []completedPart) error {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	body, err := xml.Marshal(completeMultipartUpload{Parts: parts})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode multipart completion", err)
	}

	query := "uploadId=" + url.QueryEscape(uploadID)
	req, err := c.createRequest(ctx, http.MethodPost, key, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	return c.do(req, http.StatusOK)
}

func (c *Client) abortMultipart(ctx context.Context, key, uploadID string) {
	query := "uploadId=" + url.QueryEscape(uploadID)
	req, err := c.createRequest(ctx, http.MethodDelete, key, query, nil)
	if err != nil {
		return
	}
	if resp, derr := c.httpClient.Do(req); derr == nil {
		resp.Body.Close()
	}
}

// Get fetches data by key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := c.createRequest(ctx, http.MethodGet, key, "", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "download request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to read response body", err)
	}
	return data, nil
}

// Delete removes data by key. Deleting an absent key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, key, "", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus(resp, http.StatusNoContent)
}

// List returns all keys under a prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	query := "list-type=2&prefix=" + url.QueryEscape(prefix)
	req, err := c.createRequest(ctx, http.MethodGet, "", query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "list request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to parse list response", err)
	}

	keys := make([]string, 0, len(result.Contents))
	for _, content := range result.Contents {
		keys = append(keys, content.Key)
	}
	return keys, nil
}

// TestConnection verifies the bucket is reachable with the configured
// credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.List(ctx, "")
	return err
}

// do executes a request that carries no interesting response body.
func (c *Client) do(req *http.Request, wantStatus int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp, wantStatus)
}

// classifyStatus maps an unexpected HTTP status to an error code.
func classifyStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "object not found")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrAuth, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrNetwork, msg)
	default:
		return apperrors.New(apperrors.ErrValidation, msg)
	}
}

// createRequest builds a request with AWS V4 header signing.
func (c *Client) createRequest(ctx context.Context, method, key, query string, body io.Reader) (*http.Request, error) {
	var urlStr string
	if c.config.ForcePathStyle {
		urlStr = fmt.Sprintf("%s/%s/%s", c.config.Endpoint, c.config.BucketName, key)
	} else {
		urlStr = fmt.Sprintf("%s.%s/%s", c.config.BucketName, c.config.Endpoint, key)
	}
	if query != "" {
		urlStr += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}

	if !c.config.ForcePathStyle {
		req.Host = fmt.Sprintf("%s.%s", c.config.BucketName, c.config.Endpoint)
	}

	timestamp := time.Now().UTC()
	amzDate := timestamp.Format("20060102T150405Z")

	req.Header.Set("Host", req.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	req.Header.Set("Authorization", c.calculateAuthorization(method, key, amzDate))

	return req, nil
}

// calculateAuthorization builds the AWS V4 authorization header using
// header-based signing with an unsigned payload.
func (c *Client) calculateAuthorization(method, key, amzDate string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	canonicalURI := "/" + c.config.BucketName + "/" + key
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n",
		c.config.BucketName+"."+c.config.Endpoint, amzDate)
	signedHeaders := "host;x-amz-date"
	payloadHash := "UNSIGNED-PAYLOAD"

	canonicalRequest := fmt.Sprintf("%s\n%s\n\n%s\n%s\n%s",
		method, canonicalURI, canonicalHeaders, signedHeaders, payloadHash)

	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))))

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.config.AccessKey, scope, signedHeaders, signature)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
