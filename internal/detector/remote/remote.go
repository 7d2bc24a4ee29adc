// Package remote delegates face detection to a model server over gRPC.
//
// Messages are google.protobuf.Struct values so the model server can be
// implemented in any language without shared generated code:
//
//	request:  {image: <base64 PNG>, input_size: <number>, score_threshold: <number>}
//	response: {found: <bool>, descriptor: [<number>...], score: <number>,
//	           box: [x0, y0, x1, y1]}
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-embeddings/internal/detector"
	"github.com/example/face-embeddings/internal/logging"
)

// DetectMethod is the full gRPC method name served by the model server.
const DetectMethod = "/faceembed.v1.FaceDetector/Detect"

// DialTimeout bounds how long Dial waits for the model server.
const DialTimeout = 30 * time.Second

// Detector forwards images to a remote model server.
type Detector struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// Dial blocks until the model server at addr accepts a connection. Extra
// dial options are appended after the defaults.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Detector, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("detector.remote.dial", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return New(conn, logger), nil
}

// New wraps an existing connection.
func New(conn *grpc.ClientConn, logger *zap.Logger) *Detector {
	return &Detector{conn: conn, logger: logger.Named("remote_detector")}
}

// Detect sends img to the model server and converts its answer.
func (d *Detector) Detect(ctx context.Context, img image.Image, opts detector.Options) (*detector.Face, error) {
	req, err := encodeRequest(detector.Prepare(img, opts), opts)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("detector.remote.detect", "", err)
		d.logger.Error("model server call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	face, err := decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	return detector.Accept(face, opts)
}

// Close closes the underlying connection.
func (d *Detector) Close() error {
	return d.conn.Close()
}

func encodeRequest(img image.Image, opts detector.Options) (*structpb.Struct, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"image":           base64.StdEncoding.EncodeToString(buf.Bytes()),
		"input_size":      opts.InputSize,
		"score_threshold": opts.ScoreThreshold,
	})
}

func decodeResponse(resp *structpb.Struct) (*detector.Face, error) {
	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, nil
	}

	values := fields["descriptor"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, detector.ErrEmptyDescriptor
	}
	descriptor := make([]float32, len(values))
	for i, v := range values {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("descriptor[%d] is not a number", i)
		}
		descriptor[i] = float32(v.GetNumberValue())
	}

	score, ok := fields["score"]
	if !ok {
		return nil, errors.New("response is missing score")
	}

	face := &detector.Face{
		Descriptor: descriptor,
		Confidence: score.GetNumberValue(),
	}
	if box := fields["box"].GetListValue().GetValues(); len(box) == 4 {
		face.Box = image.Rect(
			int(box[0].GetNumberValue()), int(box[1].GetNumberValue()),
			int(box[2].GetNumberValue()), int(box[3].GetNumberValue()),
		)
	}
	return face, nil
}
