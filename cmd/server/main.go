package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lumenlabs/voicerag/internal/api"
	"github.com/lumenlabs/voicerag/internal/config"
	"github.com/lumenlabs/voicerag/internal/embedding"
	"github.com/lumenlabs/voicerag/internal/rag"
	"github.com/lumenlabs/voicerag/internal/relay"
	"github.com/lumenlabs/voicerag/internal/transcript"
	"github.com/lumenlabs/voicerag/internal/vectorstore"
)

// systemInstructions keep answers short and grounded: audio listeners
// cannot skim, and ungrounded answers defeat the point of the relay.
const systemInstructions = "You are a helpful assistant. Only answer questions based on information you searched in the knowledge base, " +
	"accessible with the 'search' tool. " +
	"The user is listening to answers with audio, so it's *super* important that answers are as short as possible, " +
	"a single sentence if at all possible. " +
	"Never read file names or source names or keys out loud. " +
	"Always use the following step-by-step instructions to respond: \n" +
	"1. Always use the 'search' tool to check the knowledge base before answering a question. \n" +
	"2. Always use the 'report_grounding' tool to report the source of information from the knowledge base. \n" +
	"3. Produce an answer that's as short as possible. If the answer isn't in the knowledge base, say you don't know."

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Vector index: pgvector when configured, in-memory otherwise.
	var index vectorstore.Index
	if cfg.PostgresURI != "" {
		pgIndex, err := vectorstore.NewPostgresIndex(cfg.PostgresURI, logger)
		if err != nil {
			logger.Fatal("Failed to connect to vector store", zap.Error(err))
		}
		defer pgIndex.Close()
		index = pgIndex
	} else {
		logger.Warn("POSTGRES_URI not set, using empty in-memory index")
		index = vectorstore.NewMemoryIndex(cfg.VectorDimensions)
	}

	// Retrieval tooling
	embedder := embedding.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	retriever := rag.NewRetriever(embedder, index,
		cfg.Retrieval.TopK, cfg.Retrieval.MaxContextChars, cfg.Retrieval.MinScore, logger)

	tools := rag.Toolbox{}
	tools.Register(rag.NewSearchTool(retriever, logger))
	tools.Register(rag.NewGroundingTool(index, logger))

	// Optional transcript persistence
	var transcripts transcript.Repository
	if cfg.MongoURI != "" {
		mongoClient, err := transcript.NewClient(cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mongoClient.Close(ctx)
		}()
		transcripts = transcript.NewMongoRepository(mongoClient.Database)
	} else {
		logger.Info("MONGODB_URI not set, transcript persistence disabled")
	}

	// Client gateway
	gateway := relay.NewGateway(cfg.Upstream, relay.SessionConfig{
		Instructions: systemInstructions,
		Voice:        cfg.Upstream.Voice,
		Tools:        tools,
	}, transcripts, logger)

	api.InitRoutes(e, gateway, []byte(cfg.JWTSecret), logger)

	// Start server
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Relay server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gateway.Shutdown(ctx); err != nil {
		logger.Error("Sessions did not close cleanly", zap.Error(err))
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
