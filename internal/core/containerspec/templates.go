package containerspec

// Templates are keyed by "<language>_<framework>". Placeholders use {{name}}.
var frameworkTemplates = map[string]string{
	"python_flask": `# Multi-stage build for Flask
FROM python:3.11-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --user --no-cache-dir -r requirements.txt

FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY --from=builder /root/.local /home/appuser/.local
COPY --chown=appuser:appuser . .
USER appuser
ENV PATH=/home/appuser/.local/bin:$PATH PORT={{port}}
EXPOSE {{port}}
CMD exec gunicorn --bind :$PORT --workers 1 --threads 8 --timeout 0 {{entry_module}}:app
`,

	"python_fastapi": `# Multi-stage build for FastAPI
FROM python:3.11-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --user --no-cache-dir -r requirements.txt

FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY --from=builder /root/.local /home/appuser/.local
COPY --chown=appuser:appuser . .
USER appuser
ENV PATH=/home/appuser/.local/bin:$PATH PORT={{port}}
EXPOSE {{port}}
CMD ["uvicorn", "{{entry_module}}:app", "--host", "0.0.0.0", "--port", "{{port}}"]
`,

	"python_django": `# Multi-stage build for Django
FROM python:3.11-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --user --no-cache-dir -r requirements.txt

FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY --from=builder /root/.local /home/appuser/.local
COPY --chown=appuser:appuser . .
USER appuser
ENV PATH=/home/appuser/.local/bin:$PATH PORT={{port}} PYTHONUNBUFFERED=1
EXPOSE {{port}}
CMD exec gunicorn --bind :$PORT --workers 2 --threads 4 --timeout 0 {{project}}.wsgi:application
`,

	"nodejs_express": `# Multi-stage build for Express
FROM node:20-alpine AS builder
WORKDIR /app
COPY package*.json ./
RUN npm ci --omit=dev
COPY . .

FROM node:20-alpine
WORKDIR /app
RUN addgroup -g 1001 -S nodejs && adduser -S nodejs -u 1001
COPY --from=builder --chown=nodejs:nodejs /app /app
USER nodejs
ENV PORT={{port}} NODE_ENV=production
EXPOSE {{port}}
CMD ["node", "{{entry_point}}"]
`,

	"nodejs_nextjs": `# Multi-stage build for Next.js
FROM node:20-alpine AS deps
WORKDIR /app
COPY package*.json ./
RUN npm ci

FROM node:20-alpine AS builder
WORKDIR /app
COPY --from=deps /app/node_modules ./node_modules
COPY . .
RUN npm run build

FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production PORT={{port}}
RUN addgroup -g 1001 -S nodejs && adduser -S nextjs -u 1001
COPY --from=builder /app/public ./public
COPY --from=builder --chown=nextjs:nodejs /app/.next/standalone ./
COPY --from=builder --chown=nextjs:nodejs /app/.next/static ./.next/static
USER nextjs
EXPOSE {{port}}
CMD ["node", "server.js"]
`,

	"golang_gin": goTemplate,

	"java_spring": `# Multi-stage build for Spring Boot
FROM maven:3.9-eclipse-temurin-21 AS builder
WORKDIR /app
COPY pom.xml .
RUN mvn -q dependency:go-offline
COPY src ./src
RUN mvn -q package -DskipTests

FROM eclipse-temurin:21-jre-alpine
WORKDIR /app
RUN addgroup -S app && adduser -S app -G app
COPY --from=builder --chown=app:app /app/target/*.jar app.jar
USER app
ENV PORT={{port}}
EXPOSE {{port}}
CMD ["java", "-jar", "app.jar", "--server.port=${PORT}"]
`,
}

const goTemplate = `# Multi-stage build for Go
FROM golang:1.24-alpine AS builder
WORKDIR /app
COPY go.mod go.sum* ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 GOOS=linux go build -trimpath -ldflags="-s -w" -o /out/server {{build_target}}

FROM alpine:3.20
RUN apk --no-cache add ca-certificates && adduser -D -u 1001 app
WORKDIR /app
COPY --from=builder /out/server .
USER app
ENV PORT={{port}}
EXPOSE {{port}}
CMD ["./server"]
`

// Per-language fallbacks used when the framework has no template.
var languageTemplates = map[string]string{
	"python": `# Generic Python image
FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY --chown=appuser:appuser . .
USER appuser
ENV PORT={{port}} PYTHONUNBUFFERED=1
EXPOSE {{port}}
CMD ["python", "{{entry_point}}"]
`,

	"nodejs": `# Generic Node.js image
FROM node:20-alpine
WORKDIR /app
COPY package*.json ./
RUN npm ci --omit=dev
COPY . .
RUN addgroup -g 1001 -S nodejs && adduser -S nodejs -u 1001 && chown -R nodejs:nodejs /app
USER nodejs
ENV PORT={{port}} NODE_ENV=production
EXPOSE {{port}}
CMD ["npm", "start"]
`,

	"golang": goTemplate,
}

// Universal fallback: serve the working copy as static files.
const staticTemplate = `# Generic static site image
FROM nginxinc/nginx-unprivileged:1.27-alpine
WORKDIR /usr/share/nginx/html
COPY . .
USER 101
EXPOSE 8080
CMD ["nginx", "-g", "daemon off;"]
`

var dockerignoreTemplates = map[string]string{
	"python": `__pycache__/
*.py[cod]
*$py.class
*.so
.Python
env/
venv/
ENV/
.env
.venv
.git
.gitignore
.pytest_cache/
.coverage
htmlcov/
dist/
build/
*.egg-info/
.DS_Store
*.md
.vscode/
.idea/
`,
	"nodejs": `node_modules/
npm-debug.log*
yarn-debug.log*
yarn-error.log*
.npm
.eslintcache
.env
.env.local
.git
.gitignore
.DS_Store
dist/
coverage/
.next/
.cache/
*.md
.vscode/
.idea/
`,
	"golang": `vendor/
*.exe
*.exe~
*.dll
*.so
*.dylib
*.test
*.out
.git
.gitignore
.env
.DS_Store
*.md
.vscode/
.idea/
`,
	"java": `target/
*.class
*.jar
*.war
*.ear
.git
.gitignore
.env
.DS_Store
.mvn/
mvnw
mvnw.cmd
*.md
.vscode/
.idea/
`,
}

var templateOptimizations = []string{
	"multi-stage build",
	"non-root user",
	"dependency layer cached before source copy",
	"PORT taken from the environment",
}
